package gateway

import (
	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/pkg/event"
)

// PayloadOf は通知からライブ接続に送る内容を作る。
func PayloadOf(n *model.Notification) event.LivePayload {
	return event.LivePayload{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      string(n.Kind),
		Link:      n.Link,
		Metadata:  n.Metadata,
		CreatedAt: n.CreatedAt,
	}
}
