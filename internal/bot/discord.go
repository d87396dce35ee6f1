package bot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bowerhall/magritte/internal/dispatch"
	"github.com/bowerhall/magritte/internal/logger"
	"github.com/bowerhall/magritte/internal/session"
	"github.com/bwmarrin/discordgo"
)

// Discord fits one component row of 5 buttons, 5 rows per message.
const maxPickerButtons = 25

type discord struct {
	session *discordgo.Session
	handler dispatch.Handler
	ctx     context.Context
}

func newDiscord(token string) (Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	d := &discord{session: s}
	s.AddHandler(d.handleMessage)
	s.AddHandler(d.handleInteraction)

	return d, nil
}

func (d *discord) SetHandler(h dispatch.Handler) {
	d.handler = h
}

func (d *discord) Start(ctx context.Context) error {
	d.ctx = ctx

	if err := d.session.Open(); err != nil {
		return err
	}

	<-ctx.Done()
	return d.session.Close()
}

func (d *discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	userKey := fmt.Sprintf("discord:%s", m.Author.ID)
	content := strings.TrimSpace(m.Content)

	if name, ok := strings.CutPrefix(content, "!"); ok {
		switch name {
		case "start", "swap":
			logger.Info("command received", "user", userKey, "command", name)
			d.handler.HandleCommand(d.ctx, dispatch.Command{
				ChatID:  m.ChannelID,
				UserKey: userKey,
				Name:    name,
			})
			return
		}
	}

	in := dispatch.Inbound{
		ChatID:  m.ChannelID,
		UserKey: userKey,
		Text:    content,
	}
	for i, attachment := range m.Attachments {
		if !strings.HasPrefix(attachment.ContentType, "image/") {
			continue
		}
		in.Photos = append(in.Photos, session.PhotoRef{
			FileID:    attachment.URL,
			MessageID: i,
		})
	}

	if in.Text == "" && len(in.Photos) == 0 {
		return
	}

	logger.Info("message received", "user", userKey, "text", truncate(in.Text, 50), "photos", len(in.Photos))
	d.handler.HandleMessage(d.ctx, in)
}

func (d *discord) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	modelID, ok := strings.CutPrefix(i.MessageComponentData().CustomID, modelCallbackPrefix)
	if !ok {
		return
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	sel := dispatch.Selection{
		ChatID:  i.ChannelID,
		UserKey: fmt.Sprintf("discord:%s", user.ID),
		ModelID: modelID,
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		logger.Warn("interaction ack failed", "error", err)
	}

	if err := d.handler.SelectModel(d.ctx, sel); err != nil {
		if _, err := s.ChannelMessageSend(i.ChannelID, "Model unavailable."); err != nil {
			logger.Warn("discord send failed", "error", err)
		}
	}
}

func (d *discord) SendText(ctx context.Context, chatID, text string) error {
	_, err := d.session.ChannelMessageSend(chatID, text)
	if err != nil {
		logger.Error("discord send failed", "error", err, "channel", chatID)
	}

	return err
}

func (d *discord) SendImage(ctx context.Context, chatID string, data []byte) error {
	_, err := d.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Files: []*discordgo.File{
			{Name: "result.png", Reader: bytes.NewReader(data)},
		},
	})
	if err != nil {
		logger.Error("discord send image failed", "error", err, "channel", chatID)
	} else {
		logger.Info("image sent", "channel", chatID, "bytes", len(data))
	}

	return err
}

func (d *discord) SendStatus(ctx context.Context, chatID, text string) (session.MessageRef, error) {
	msg, err := d.session.ChannelMessageSend(chatID, text)
	if err != nil {
		return session.MessageRef{}, err
	}

	return session.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

func (d *discord) SendModelPicker(ctx context.Context, chatID, text string, options []dispatch.ModelOption) (session.MessageRef, error) {
	if len(options) > maxPickerButtons {
		logger.Warn("truncating model picker", "models", len(options), "max", maxPickerButtons)
		options = options[:maxPickerButtons]
	}

	var rows []discordgo.MessageComponent
	for start := 0; start < len(options); start += 5 {
		end := start + 5
		if end > len(options) {
			end = len(options)
		}

		var buttons []discordgo.MessageComponent
		for _, option := range options[start:end] {
			buttons = append(buttons, discordgo.Button{
				Label:    option.Label,
				Style:    discordgo.PrimaryButton,
				CustomID: modelCallbackPrefix + option.ID,
			})
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons})
	}

	msg, err := d.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content:    text,
		Components: rows,
	})
	if err != nil {
		return session.MessageRef{}, err
	}

	return session.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

func (d *discord) DeleteMessage(ctx context.Context, ref session.MessageRef) error {
	return d.session.ChannelMessageDelete(ref.ChatID, ref.MessageID)
}

// FetchPhoto downloads an attachment; on Discord the photo reference is
// the attachment URL itself.
func (d *discord) FetchPhoto(ctx context.Context, fileID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileID, nil)
	if err != nil {
		return nil, "", err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, "", err
	}

	ext := path.Ext(strings.SplitN(path.Base(fileID), "?", 2)[0])
	if ext == "" {
		ext = ".png"
	}

	return data, ext, nil
}
