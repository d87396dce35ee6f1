package bot

import (
	"sort"

	"github.com/bowerhall/magritte/internal/dispatch"
	"github.com/bowerhall/magritte/internal/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// snapshot is the transport-independent view of one chat message:
// whatever text it carried and at most one photo reference.
type snapshot struct {
	messageID   int
	text        string
	caption     string
	photoFileID string
}

func snapshotMessage(msg *tgbotapi.Message) snapshot {
	snap := snapshot{
		messageID: msg.MessageID,
		text:      msg.Text,
		caption:   msg.Caption,
	}

	if len(msg.Photo) > 0 {
		// sizes are ordered smallest to largest; take the best one
		snap.photoFileID = msg.Photo[len(msg.Photo)-1].FileID
	}

	return snap
}

func (s snapshot) promptText() string {
	if s.text != "" {
		return s.text
	}

	return s.caption
}

// assembleInbound merges message snapshots (a single message or a whole
// album) into one inbound event: photos ordered by message id, prompt
// taken from the first snapshot that carries text.
func assembleInbound(chatID, userKey string, items []snapshot) dispatch.Inbound {
	sort.Slice(items, func(i, j int) bool { return items[i].messageID < items[j].messageID })

	in := dispatch.Inbound{ChatID: chatID, UserKey: userKey}
	for _, item := range items {
		if in.Text == "" {
			in.Text = item.promptText()
		}
		if item.photoFileID != "" {
			in.Photos = append(in.Photos, session.PhotoRef{
				FileID:    item.photoFileID,
				MessageID: item.messageID,
			})
		}
	}

	return in
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max] + "..."
}
