package screen

import (
	"context"
	"fmt"
	"time"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/livequery"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// ChatLimit bounds the chat history to the most recent messages.
const ChatLimit = 200

// ChatSpec is the chat's live query: the newest ChatLimit messages with
// their sender's display name, refetched on inserts only. Records arrive
// newest first; Messages puts them back in chronological order.
func ChatSpec() livequery.Spec {
	return livequery.Spec{
		Name: "chat",
		Query: port.Query{
			Collection: "messages",
			Order:      []port.Order{port.Desc("created_at")},
			Limit:      ChatLimit,
			Joins: []port.Join{{
				Alias:      "sender",
				Collection: "users",
				LocalKey:   "user_id",
				Fields:     []string{"display_name"},
			}},
		},
		Events: port.EventsInsert,
	}
}

// Message is a chat line ready for display.
type Message struct {
	ID      string
	UserID  string
	Sender  string
	Content string
	At      time.Time
	Mine    bool
}

// Chat is the staff message board.
type Chat struct {
	*live
	deps Deps
	lq   *livequery.LiveQuery
}

// OpenChat subscribes to the message board.
func OpenChat(ctx context.Context, d Deps) (*Chat, error) {
	qs, err := openAll(ctx, d, "chat", ChatSpec())
	if err != nil {
		return nil, err
	}
	return &Chat{live: newLive(qs...), deps: d, lq: qs[0]}, nil
}

// Messages returns the current history, oldest first.
func (c *Chat) Messages() []Message {
	me, _ := c.deps.actor()
	recs := c.lq.Records()
	out := make([]Message, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		at, _ := r.Time("created_at")
		out = append(out, Message{
			ID:      r.ID(),
			UserID:  r.String("user_id"),
			Sender:  livequery.DisplayName(r, "sender"),
			Content: r.String("content"),
			At:      at,
			Mine:    me != "" && r.String("user_id") == me,
		})
	}
	return out
}

// Send posts a message as the signed-in user.
func (c *Chat) Send(ctx context.Context, text string) (domain.Record, error) {
	p, err := c.deps.requireProfile()
	if err != nil {
		return nil, err
	}
	in := &facility.MessageInput{UserID: p.ID, Content: text}
	if err := facility.Validate(in); err != nil {
		return nil, err
	}
	rec, err := c.deps.Backend.Insert(ctx, "messages", in.Record())
	if err != nil {
		c.deps.logger("chat").Error("send message failed", "error", err)
		return nil, fmt.Errorf("send message: %w", err)
	}
	return rec, nil
}
