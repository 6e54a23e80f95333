package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/mmeshcher/pinkpass/internal/model"
)

// Notifier собирает письма по заказу и отправляет их через Client.
type Notifier struct {
	client *Client
	cfg    Config
}

// NewNotifier создаёт Notifier.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client, cfg: client.cfg}
}

// Enabled сообщает, настроена ли отправка писем.
func (n *Notifier) Enabled() bool {
	return n.cfg.APIKey != "" && n.cfg.From != ""
}

func (n *Notifier) statusURL(orderID string) string {
	if n.cfg.StatusURL == "" {
		return ""
	}
	return strings.ReplaceAll(n.cfg.StatusURL, "{order_id}", orderID)
}

// QRCode кодирует код прохода в PNG.
func QRCode(content string) ([]byte, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// SendConfirmation отправляет покупателю подтверждение с QR-кодом для прохода.
func (n *Notifier) SendConfirmation(ctx context.Context, order *model.Order, checkInCode string) error {
	issued := 0
	if order.Fulfilled != nil {
		issued = order.Fulfilled.Count
	}

	html, err := render("confirmation", map[string]any{
		"Event":      n.cfg.EventName,
		"Name":       order.Name,
		"Amount":     order.Amount,
		"OrderID":    order.OrderID,
		"Issued":     issued,
		"Passes":     order.Passes,
		"Partial":    issued < order.Passes,
		"Recipients": order.UniqueRecipients(),
		"StatusURL":  n.statusURL(order.OrderID),
	})
	if err != nil {
		return err
	}

	msg := Message{
		To:      []string{order.Email},
		Subject: fmt.Sprintf("%s: order %s confirmed", n.cfg.EventName, order.OrderID),
		HTML:    html,
	}

	if checkInCode != "" {
		png, err := QRCode(checkInCode)
		if err != nil {
			return err
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename: "checkin-" + order.OrderID + ".png",
			Content:  png,
		})
	}

	return n.client.Send(ctx, msg)
}

// SendDonorThanks отправляет благодарность за пожертвование.
func (n *Notifier) SendDonorThanks(ctx context.Context, order *model.Order) error {
	html, err := render("donor", map[string]any{
		"Event":  n.cfg.EventName,
		"Name":   order.Name,
		"Amount": order.Amount,
		"Club":   order.Meta.ClubName,
		"Passes": order.Passes,
	})
	if err != nil {
		return err
	}

	return n.client.Send(ctx, Message{
		To:      []string{order.Email},
		Subject: fmt.Sprintf("Thank you for supporting %s", n.cfg.EventName),
		HTML:    html,
	})
}

// SendHeadsUp предупреждает получателя пропуска о регистрации.
func (n *Notifier) SendHeadsUp(ctx context.Context, order *model.Order, recipient string) error {
	html, err := render("headsup", map[string]any{
		"Event": n.cfg.EventName,
		"Name":  order.Name,
	})
	if err != nil {
		return err
	}

	return n.client.Send(ctx, Message{
		To:      []string{recipient},
		Subject: fmt.Sprintf("You have a pass for %s", n.cfg.EventName),
		HTML:    html,
	})
}

// SendAdminAlert уведомляет администратора о проблеме с заказом.
func (n *Notifier) SendAdminAlert(ctx context.Context, order *model.Order, subject, detail string) error {
	if n.cfg.AdminEmail == "" {
		return nil
	}

	issued := 0
	if order.Fulfilled != nil {
		issued = order.Fulfilled.Count
	}

	html, err := render("admin", map[string]any{
		"Subject": subject,
		"OrderID": order.OrderID,
		"Type":    order.Type,
		"Name":    order.Name,
		"Email":   order.Email,
		"Phone":   order.Phone,
		"Issued":  issued,
		"Passes":  order.Passes,
		"Detail":  detail,
	})
	if err != nil {
		return err
	}

	return n.client.Send(ctx, Message{
		To:      []string{n.cfg.AdminEmail},
		Subject: fmt.Sprintf("[%s admin] %s: %s", n.cfg.EventName, subject, order.OrderID),
		HTML:    html,
	})
}
