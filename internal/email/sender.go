package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDisabled indica que no hay proveedor de correo configurado.
var ErrDisabled = errors.New("email sender disabled")

type NoticeKind string

const (
	NoticeNewSignIn      NoticeKind = "new_sign_in"
	NoticeSessionEvicted NoticeKind = "session_evicted"
)

// SessionNotice describe la sesion sobre la que se avisa al usuario.
type SessionNotice struct {
	Kind       NoticeKind
	SessionID  string
	DeviceInfo string
	IPAddress  string
	UserAgent  string
	At         time.Time
}

// Sender define la interfaz para avisos de seguridad de sesiones.
type Sender interface {
	SendSessionNotice(ctx context.Context, toEmail string, notice SessionNotice) error
}

type disabledSender struct {
	reason string
}

func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) SendSessionNotice(_ context.Context, _ string, _ SessionNotice) error {
	if s.reason == "" {
		return ErrDisabled
	}
	return fmt.Errorf("%w: %s", ErrDisabled, s.reason)
}

// renderNotice arma asunto y cuerpo en texto plano, comun a todos los proveedores.
func renderNotice(n SessionNotice) (string, string) {
	device := strings.TrimSpace(n.DeviceInfo)
	if device == "" {
		device = "unknown device"
	}
	details := fmt.Sprintf(
		"Device: %s\nIP address: %s\nBrowser: %s\nTime: %s UTC\n",
		device,
		orUnknown(n.IPAddress),
		orUnknown(n.UserAgent),
		n.At.UTC().Format(time.RFC3339),
	)

	switch n.Kind {
	case NoticeSessionEvicted:
		return "A session was signed out",
			"One of your sessions was signed out because you reached the maximum number of active sessions.\n\n" +
				details +
				"\nIf this was not you, sign out of all other sessions and change your password.\n"
	default:
		return "New sign-in to your account",
			"We noticed a new sign-in to your account.\n\n" +
				details +
				"\nIf this was not you, sign out of all other sessions and change your password.\n"
	}
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}
