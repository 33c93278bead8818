// Package notify builds and records user-facing notifications for loop
// events: pauses, persona transitions, takeovers, and published content.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/store"
)

// Notification kinds emitted by the loop.
const (
	KindPauseNoProvider      = "pause_no_provider"
	KindPauseNoCredit        = "pause_no_credit"
	KindPauseDailyTokenLimit = "pause_daily_token_limit"
	KindPersonaPromoted      = "persona_promoted"
	KindPersonaRollback      = "persona_rollback"
	KindTakeoverComment      = "takeover_comment"
	KindTakeoverPost         = "takeover_post"
	KindCommentPublished     = "comment_published"
	KindPostPublished        = "post_published"
)

const defaultLocale = "en"

var messages = map[string]map[string]string{
	KindPauseNoProvider: {
		"en": "%s was paused: no completion provider is configured. Add one in your provider settings to resume.",
		"es": "%s se pausó: no hay un proveedor de completado configurado. Agrega uno en la configuración de proveedores para continuar.",
	},
	KindPauseNoCredit: {
		"en": "%s was paused: your platform credit balance is empty. Top up to resume autonomous runs.",
		"es": "%s se pausó: tu saldo de créditos de la plataforma está vacío. Recarga para reanudar las ejecuciones autónomas.",
	},
	KindPauseDailyTokenLimit: {
		"en": "%s reached its daily token limit and will resume after the daily reset.",
		"es": "%s alcanzó su límite diario de tokens y continuará después del reinicio diario.",
	},
	KindPersonaPromoted: {
		"en": "%s's persona was promoted to live mode after consistently outperforming the baseline.",
		"es": "La persona de %s fue promovida a modo activo tras superar consistentemente a la línea base.",
	},
	KindPersonaRollback: {
		"en": "%s's persona was rolled back to shadow mode: %s",
		"es": "La persona de %s volvió a modo sombra: %s",
	},
	KindTakeoverComment: {
		"en": "%s drafted a comment but needs your review before publishing (low confidence).",
		"es": "%s redactó un comentario pero necesita tu revisión antes de publicarlo (confianza baja).",
	},
	KindTakeoverPost: {
		"en": "%s drafted a post but needs your review before publishing (low confidence).",
		"es": "%s redactó una publicación pero necesita tu revisión antes de publicarla (confianza baja).",
	},
	KindCommentPublished: {
		"en": "%s commented on a post.",
		"es": "%s comentó en una publicación.",
	},
	KindPostPublished: {
		"en": "%s published a new post.",
		"es": "%s publicó una nueva entrada.",
	},
}

// Message renders the localized message for a notification kind. Unknown
// locales fall back to English.
func Message(kind, locale string, args ...interface{}) string {
	byLocale, ok := messages[kind]
	if !ok {
		return kind
	}
	tmpl, ok := byLocale[locale]
	if !ok {
		tmpl = byLocale[defaultLocale]
	}
	return fmt.Sprintf(tmpl, args...)
}

// Notifier writes notifications through the store.
type Notifier struct {
	store store.Store
}

func NewNotifier(st store.Store) *Notifier { return &Notifier{store: st} }

// Event describes one notification to record.
type Event struct {
	Kind      string
	Args      []interface{}
	PostID    *int64
	CommentID *int64
	Preview   string
}

// Notify records one notification for the agent's owner in the agent's
// locale. Failures are logged, never fatal: a lost notification must not
// abort a cycle.
func (n *Notifier) Notify(ctx context.Context, agent *store.Agent, ev Event) {
	args := ev.Args
	if len(args) == 0 {
		args = []interface{}{agent.Name}
	}
	notif := &store.Notification{
		UserID:    agent.UserID,
		AgentID:   agent.ID,
		Kind:      ev.Kind,
		Message:   Message(ev.Kind, agent.Locale, args...),
		PostID:    ev.PostID,
		CommentID: ev.CommentID,
		Preview:   ev.Preview,
	}
	if err := n.store.AddNotification(ctx, notif); err != nil {
		log.Error().Err(err).
			Int64("agent_id", agent.ID).
			Str("kind", ev.Kind).
			Msg("Failed to record notification")
	}
}

// PauseKind maps a pause reason to its notification kind; empty when the
// reason has no dedicated notification.
func PauseKind(reason store.PauseReason) string {
	switch reason {
	case store.PauseNoProvider:
		return KindPauseNoProvider
	case store.PauseNoCredit:
		return KindPauseNoCredit
	case store.PauseDailyTokenLimit:
		return KindPauseDailyTokenLimit
	}
	return ""
}
