package mail

import (
	"context"

	"github.com/khanghh/kguard/internal/dispatch"
)

type Renderer interface {
	RenderHTML(name string, vars map[string]any) (string, error)
	RenderText(name string, vars map[string]any) (string, error)
}

// Transport delivers email channel dispatch messages. The body comes from the
// mail/<template> html template and the subject from text subject/<template>.
type Transport struct {
	sender   MailSender
	renderer Renderer
}

func (t *Transport) Send(ctx context.Context, msg *dispatch.Message) error {
	subject, err := t.renderer.RenderText("subject/"+msg.Template, msg.Data)
	if err != nil {
		return err
	}
	body, err := t.renderer.RenderHTML(msg.Template, msg.Data)
	if err != nil {
		return err
	}
	// gomail has no context support, so only a deadline already passed is honored
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.sender.Send(&Message{
		To:      []string{msg.To},
		Subject: subject,
		Body:    body,
		IsHTML:  true,
	})
}

func NewTransport(sender MailSender, renderer Renderer) *Transport {
	return &Transport{sender: sender, renderer: renderer}
}
