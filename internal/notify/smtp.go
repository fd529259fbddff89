package notify

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/wneessen/go-mail"
)

// PlaceholderHost is the default host that means "mail not configured".
const PlaceholderHost = "smtp.example.com"

const (
	implicitTLSPort = 465
	dialTimeout     = 30 * time.Second
)

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host            string
	Port            int
	Sender          string
	Password        string
	ReminderMinutes int
}

// Enabled reports whether a real mail server is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.Host != PlaceholderHost
}

// SendFunc delivers a composed message.
type SendFunc func(ctx context.Context, msg *mail.Msg) error

// SMTPNotifier sends HTML emails through an SMTP server.
type SMTPNotifier struct {
	cfg    SMTPConfig
	send   SendFunc
	logger *slog.Logger
}

// NewSMTPNotifier creates an SMTPNotifier. A nil send dials the configured server.
func NewSMTPNotifier(cfg SMTPConfig, send SendFunc, logger *slog.Logger) *SMTPNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.ReminderMinutes <= 0 {
		cfg.ReminderMinutes = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &SMTPNotifier{cfg: cfg, send: send, logger: logger}
	if n.send == nil {
		n.send = n.dialAndSend
	}
	return n
}

// New returns an SMTPNotifier when mail is configured and a LogNotifier otherwise.
func New(cfg SMTPConfig, logger *slog.Logger) Notifier {
	if !cfg.Enabled() {
		return NewLogNotifier(logger)
	}
	return NewSMTPNotifier(cfg, nil, logger)
}

var (
	confirmationTmpl = template.Must(template.New("confirmation").Parse(`<html>
<body>
	<h2>Your Counseling Session is Confirmed</h2>
	<p>Dear {{.Name}},</p>
	<p>Your {{.Type}} counseling session has been scheduled for:</p>
	<p><strong>{{.When}}</strong></p>
	<h3>Session Details:</h3>
	<ul>
		<li><strong>Session ID:</strong> {{.ID}}</li>
		<li><strong>Type:</strong> {{.Type}} Counseling</li>
	</ul>
	<p>You will receive a reminder {{.ReminderMinutes}} minutes before your session.</p>
	<p>To join your session, log in to your account at the scheduled time and open the "My Sessions" page.</p>
</body>
</html>`))

	reminderTmpl = template.Must(template.New("reminder").Parse(`<html>
<body>
	<h2>Your Counseling Session Starts Soon</h2>
	<p>Dear {{.Name}},</p>
	<p>This is a reminder that your {{.Type}} counseling session is scheduled to begin at <strong>{{.When}}</strong>.</p>
	<p>To join your session, log in to your account and open the "My Sessions" page.</p>
</body>
</html>`))

	summaryTmpl = template.Must(template.New("summary").Parse(`<html>
<body>
	<h2>Your Counseling Session Summary</h2>
	<p>Dear {{.Name}},</p>
	<p>Thank you for attending your counseling session on <strong>{{.When}}</strong>.</p>
	<h3>Session Summary:</h3>
	<p style="white-space: pre-line">{{.Summary}}</p>
	<p>Feel free to schedule a follow-up session if you have any questions.</p>
</body>
</html>`))
)

type mailData struct {
	ID              int64
	Name            string
	Type            domain.SessionType
	When            string
	Summary         string
	ReminderMinutes int
}

func (n *SMTPNotifier) data(user *domain.User, session *domain.Session, layout string) mailData {
	return mailData{
		ID:              session.ID,
		Name:            user.FullName,
		Type:            session.Type,
		When:            session.ScheduledTime.Format(layout),
		Summary:         session.Summary,
		ReminderMinutes: n.cfg.ReminderMinutes,
	}
}

// SessionConfirmed sends the booking confirmation.
func (n *SMTPNotifier) SessionConfirmed(ctx context.Context, user *domain.User, session *domain.Session) error {
	d := n.data(user, session, "Monday, January 02, 2006 at 03:04 PM")
	subject := fmt.Sprintf("Confirmation: %s Counseling Session - %s", d.Type, d.When)
	return n.deliver(ctx, user.Email, subject, confirmationTmpl, d)
}

// SessionReminder sends the pre-session reminder.
func (n *SMTPNotifier) SessionReminder(ctx context.Context, user *domain.User, session *domain.Session) error {
	d := n.data(user, session, "03:04 PM")
	subject := fmt.Sprintf("Reminder: Your Counseling Session Starts in %d Minutes", n.cfg.ReminderMinutes)
	return n.deliver(ctx, user.Email, subject, reminderTmpl, d)
}

// SessionSummary sends the summary of a completed session.
func (n *SMTPNotifier) SessionSummary(ctx context.Context, user *domain.User, session *domain.Session) error {
	d := n.data(user, session, "Monday, January 02, 2006")
	return n.deliver(ctx, user.Email, "Your Counseling Session Summary", summaryTmpl, d)
}

func (n *SMTPNotifier) deliver(ctx context.Context, to, subject string, tmpl *template.Template, d mailData) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := msg.From(n.cfg.Sender); err != nil {
		return fmt.Errorf("set sender %q: %w", n.cfg.Sender, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("set recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetDate()
	if err := msg.SetBodyHTMLTemplate(tmpl, d); err != nil {
		return fmt.Errorf("render %s email: %w", tmpl.Name(), err)
	}

	if err := n.send(ctx, msg); err != nil {
		return fmt.Errorf("send %s email to %s: %w", tmpl.Name(), to, err)
	}
	n.logger.Info("Email sent", "kind", tmpl.Name(), "to", to)
	return nil
}

func (n *SMTPNotifier) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(n.cfg.Port),
		mail.WithTimeout(dialTimeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if n.cfg.Port == implicitTLSPort {
		opts = append(opts, mail.WithSSL())
	}
	if n.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Sender),
			mail.WithPassword(n.cfg.Password),
		)
	}

	client, err := mail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}
