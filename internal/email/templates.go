package email

import (
	"fmt"
	"html"
	"time"
)

const htmlShell = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>%s</title></head>
<body style="margin:0;padding:32px;font-family:-apple-system,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<div style="max-width:480px;margin:0 auto;background:#ffffff;border-radius:8px;padding:32px 40px;">
  <h1 style="margin:0 0 16px;font-size:22px;color:#1a1a2e;">%s</h1>
  <p style="font-size:15px;color:#4a4a68;line-height:1.6;">%s</p>
  <p style="text-align:center;margin:24px 0;">
    <a href="%s" style="background:#6c63ff;color:#ffffff;padding:12px 24px;border-radius:6px;text-decoration:none;">%s</a>
  </p>
  <p style="font-size:13px;color:#8888a0;">%s</p>
</div>
</body>
</html>`

// PasswordResetMessage builds the mail carrying a password reset link
func PasswordResetMessage(to, username, link, appName string, ttl time.Duration) Message {
	intro := fmt.Sprintf("Hi %s, we received a request to reset your %s password.", username, appName)
	note := fmt.Sprintf("This link expires in %s and can be used once. If you did not ask for a reset, ignore this email.", humanDuration(ttl))
	return Message{
		To:       to,
		Subject:  "Password Reset Request",
		HTMLBody: render("Reset your password", intro, link, "Reset password", note),
		TextBody: fmt.Sprintf("%s\n\nReset your password: %s\n\n%s\n\n- %s", intro, link, note, appName),
	}
}

// TwoFactorResetMessage builds the mail asking a user to confirm that an
// admin may disable their two-factor authentication.
func TwoFactorResetMessage(to, username, admin, link, appName string, ttl time.Duration) Message {
	intro := fmt.Sprintf("Hi %s, administrator %s requested to reset two-factor authentication on your %s account.", username, admin, appName)
	note := fmt.Sprintf("The link is valid for %s. If you did not expect this, cancel the request from the same page and contact the site owner.", humanDuration(ttl))
	return Message{
		To:       to,
		Subject:  "2FA Reset Request",
		HTMLBody: render("Confirm 2FA reset", intro, link, "Review request", note),
		TextBody: fmt.Sprintf("%s\n\nConfirm or cancel: %s\n\n%s\n\n- %s", intro, link, note, appName),
	}
}

func render(title, intro, link, action, note string) string {
	return fmt.Sprintf(htmlShell,
		html.EscapeString(title),
		html.EscapeString(title),
		html.EscapeString(intro),
		html.EscapeString(link),
		html.EscapeString(action),
		html.EscapeString(note),
	)
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
