package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bowerhall/magritte/internal/dispatch"
	"github.com/bowerhall/magritte/internal/logger"
	"github.com/bowerhall/magritte/internal/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// mediaGroupDelay is how long we wait for the remaining photos of a
// Telegram album before processing it as one inbound message.
const mediaGroupDelay = 600 * time.Millisecond

type telegram struct {
	api     *tgbotapi.BotAPI
	handler dispatch.Handler
	ctx     context.Context

	mu     sync.Mutex
	groups map[string]*mediaGroup
}

type mediaGroup struct {
	chatID  int64
	userKey string
	items   []snapshot
}

func newTelegram(token string) (Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	return &telegram{api: api, groups: make(map[string]*mediaGroup)}, nil
}

func (t *telegram) SetHandler(h dispatch.Handler) {
	t.handler = h
}

func (t *telegram) Start(ctx context.Context) error {
	t.ctx = ctx
	t.setupCommands()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			go t.handleUpdate(ctx, update)
		}
	}
}

func (t *telegram) setupCommands() {
	cfg := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "Start and choose a model"},
		tgbotapi.BotCommand{Command: "swap", Description: "Switch to another model"},
	)
	if _, err := t.api.Request(cfg); err != nil {
		logger.Warn("failed to register commands", "error", err)
	}
}

func (t *telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(ctx, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	userKey := fmt.Sprintf("telegram:%d", msg.From.ID)

	if msg.IsCommand() {
		t.safeDelete(msg.Chat.ID, msg.MessageID)
		switch name := msg.Command(); name {
		case "start", "swap":
			logger.Info("command received", "user", userKey, "command", name)
			t.handler.HandleCommand(ctx, dispatch.Command{
				ChatID:  formatChatID(msg.Chat.ID),
				UserKey: userKey,
				Name:    name,
			})
		default:
			logger.Debug("ignoring unknown command", "user", userKey, "command", name)
		}
		return
	}

	snap := snapshotMessage(msg)
	t.safeDelete(msg.Chat.ID, msg.MessageID)

	if msg.MediaGroupID != "" {
		t.collectMediaGroup(msg.Chat.ID, userKey, msg.MediaGroupID, snap)
		return
	}

	logger.Info("message received", "user", userKey, "text", truncate(snap.promptText(), 50), "photo", snap.photoFileID != "")
	t.handler.HandleMessage(ctx, assembleInbound(formatChatID(msg.Chat.ID), userKey, []snapshot{snap}))
}

// collectMediaGroup buffers album messages and flushes the whole group
// after a short delay, so captions and photos arriving as separate
// updates become one inbound message.
func (t *telegram) collectMediaGroup(chatID int64, userKey, groupID string, snap snapshot) {
	key := fmt.Sprintf("%d:%s", chatID, groupID)

	t.mu.Lock()
	group, ok := t.groups[key]
	if !ok {
		group = &mediaGroup{chatID: chatID, userKey: userKey}
		t.groups[key] = group
		time.AfterFunc(mediaGroupDelay, func() { t.flushMediaGroup(key) })
	}
	group.items = append(group.items, snap)
	t.mu.Unlock()
}

func (t *telegram) flushMediaGroup(key string) {
	t.mu.Lock()
	group, ok := t.groups[key]
	delete(t.groups, key)
	t.mu.Unlock()

	if !ok {
		return
	}

	in := assembleInbound(formatChatID(group.chatID), group.userKey, group.items)
	logger.Info("album received", "user", group.userKey, "photos", len(in.Photos), "caption", truncate(in.Text, 50))
	t.handler.HandleMessage(t.ctx, in)
}

func (t *telegram) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	modelID, ok := strings.CutPrefix(cq.Data, modelCallbackPrefix)
	if !ok || cq.Message == nil {
		return
	}

	sel := dispatch.Selection{
		ChatID:  formatChatID(cq.Message.Chat.ID),
		UserKey: fmt.Sprintf("telegram:%d", cq.From.ID),
		ModelID: modelID,
	}

	if err := t.handler.SelectModel(ctx, sel); err != nil {
		if _, err := t.api.Request(tgbotapi.NewCallbackWithAlert(cq.ID, "Model unavailable")); err != nil {
			logger.Warn("callback alert failed", "error", err)
		}
		return
	}

	if _, err := t.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		logger.Warn("callback answer failed", "error", err)
	}
}

func (t *telegram) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	_, err = t.api.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		logger.Error("send failed", "error", err, "chat", chatID)
	}

	return err
}

func (t *telegram) SendImage(ctx context.Context, chatID string, data []byte) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	photo := tgbotapi.NewPhoto(id, tgbotapi.FileBytes{Name: "result.png", Bytes: data})
	_, err = t.api.Send(photo)
	if err != nil {
		logger.Error("send photo failed", "error", err, "chat", chatID)
	} else {
		logger.Info("photo sent", "chat", chatID, "bytes", len(data))
	}

	return err
}

func (t *telegram) SendStatus(ctx context.Context, chatID, text string) (session.MessageRef, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return session.MessageRef{}, err
	}

	sent, err := t.api.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return session.MessageRef{}, err
	}

	return session.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (t *telegram) SendModelPicker(ctx context.Context, chatID, text string, options []dispatch.ModelOption) (session.MessageRef, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return session.MessageRef{}, err
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(options))
	for _, option := range options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(option.Label, modelCallbackPrefix+option.ID),
		))
	}

	msg := tgbotapi.NewMessage(id, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)

	sent, err := t.api.Send(msg)
	if err != nil {
		return session.MessageRef{}, err
	}

	return session.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (t *telegram) DeleteMessage(ctx context.Context, ref session.MessageRef) error {
	chatID, err := parseChatID(ref.ChatID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return err
	}

	_, err = t.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))

	return err
}

func (t *telegram) FetchPhoto(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := t.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", err
	}

	ext := path.Ext(file.FilePath)
	if ext == "" {
		ext = ".jpg"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.api.Token), nil)
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

	return data, ext, nil
}

func (t *telegram) safeDelete(chatID int64, messageID int) {
	if _, err := t.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		logger.Debug("failed to delete message", "chat", chatID, "message", messageID, "error", err)
	}
}

func formatChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseChatID(chatID string) (int64, error) {
	return strconv.ParseInt(chatID, 10, 64)
}
