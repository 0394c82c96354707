package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

const (
	colorCK       = 0x000000
	colorSaved    = 0x00FF7F
	colorReversed = 0x2ECC71
	colorItems    = 0xE67E22
)

// Notification targets, reported as step names.
const (
	targetDM      domain.StepName = "notify_dm"
	targetPublic  domain.StepName = "notify_public"
	targetPrivate domain.StepName = "notify_private"
	targetItems   domain.StepName = "notify_items"
)

// Notifier sends CK outcomes to the affected user and the log channels.
// Every target is attempted; failures are returned, never raised.
type Notifier struct {
	api    restAPI
	cfg    Config
	policy domain.RolePolicy
	log    *slog.Logger
	now    func() time.Time
}

// NewNotifier creates a notifier. Unset channels are skipped.
func NewNotifier(api restAPI, cfg Config, policy domain.RolePolicy, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		api:    api,
		cfg:    cfg,
		policy: policy,
		log:    logger.With("component", "discord-notifier"),
		now:    time.Now,
	}
}

// Notify implements domain.Notifier.
func (n *Notifier) Notify(ctx context.Context, note domain.Notification) []domain.StepResult {
	var out []domain.StepResult
	out = append(out, n.dm(ctx, note.UserID, n.userEmbed(note)))

	switch note.Kind {
	case domain.NotifyApplied:
		out = append(out,
			n.post(ctx, targetPublic, n.cfg.PublicLogChannelID, n.publicEmbed(note)),
			n.post(ctx, targetPrivate, n.cfg.PrivateLogChannelID, n.staffEmbed(note)),
		)
		if note.Record != nil && note.Record.Backup != nil && len(note.Record.Backup.Purchases) > 0 {
			out = append(out, n.post(ctx, targetItems, n.cfg.ExpiredItemsChannelID, n.itemsEmbed(note)))
		}
	case domain.NotifyLifeSaved:
		out = append(out, n.post(ctx, targetPublic, n.cfg.PublicLogChannelID, n.publicEmbed(note)))
	case domain.NotifyReversed:
		out = append(out, n.post(ctx, targetPrivate, n.cfg.PrivateLogChannelID, n.staffEmbed(note)))
	}
	return out
}

func (n *Notifier) dm(ctx context.Context, userID string, embed *discordgo.MessageEmbed) domain.StepResult {
	ch, err := n.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return n.fail(targetDM, fmt.Errorf("open DM: %w", err))
	}
	if _, err := n.api.ChannelMessageSendEmbed(ch.ID, embed, discordgo.WithContext(ctx)); err != nil {
		// Users with closed DMs are common
		return n.fail(targetDM, fmt.Errorf("send DM: %w", err))
	}
	return domain.OK(targetDM, "sent")
}

func (n *Notifier) post(ctx context.Context, target domain.StepName, channelID string, embed *discordgo.MessageEmbed) domain.StepResult {
	if channelID == "" {
		return domain.Skipped(target, "channel not configured")
	}
	if _, err := n.api.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return n.fail(target, err)
	}
	return domain.OK(target, "sent")
}

func (n *Notifier) fail(target domain.StepName, err error) domain.StepResult {
	observability.NotificationsFailed.WithLabelValues(string(target)).Inc()
	n.log.Warn("notification failed", "target", target, "error", err)
	return domain.Failed(target, err)
}

// ─── Embeds ─────────────────────────────────────────────────────────────────

func (n *Notifier) userEmbed(note domain.Notification) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{Timestamp: n.now().Format(time.RFC3339)}
	switch note.Kind {
	case domain.NotifyApplied:
		e.Title = "💀 Has recibido un Character Kill"
		e.Color = colorCK
		e.Description = "Tu personaje ha muerto. Tu dinero, empresas, tarjetas, DNI y roles fueron reiniciados."
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Razón", Value: orDash(note.Reason)})
		if lic := n.policy.Licenses(rolesRemoved(note.Record)); len(lic) > 0 {
			e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Licencias revocadas", Value: roleNames(lic)})
		}
	case domain.NotifyLifeSaved:
		e.Title = "🛡️ Tu seguro Anti-CK te salvó"
		e.Color = colorSaved
		e.Description = "Se canceló un CK en tu contra y tu seguro fue consumido. Tu personaje sigue con vida."
	case domain.NotifyReversed:
		e.Title = "♻️ Tu CK fue revertido"
		e.Color = colorReversed
		e.Description = "El staff revirtió tu Character Kill. Tus bienes fueron restaurados."
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Razón", Value: orDash(note.Reason)})
	}
	return e
}

func (n *Notifier) publicEmbed(note domain.Notification) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{Timestamp: n.now().Format(time.RFC3339)}
	if note.Kind == domain.NotifyLifeSaved {
		e.Title = "🛡️ Vida salvada"
		e.Color = colorSaved
		e.Description = fmt.Sprintf("<@%s> sobrevivió gracias a su seguro Anti-CK.", note.UserID)
		return e
	}
	e.Title = "💀 Character Kill"
	e.Color = colorCK
	e.Description = fmt.Sprintf("<@%s> ha muerto.", note.UserID)
	if note.Record != nil {
		e.Fields = []*discordgo.MessageEmbedField{
			{Name: "Tipo", Value: string(note.Record.Type), Inline: true},
			{Name: "Razón", Value: orDash(note.Reason), Inline: true},
		}
	}
	return e
}

func (n *Notifier) staffEmbed(note domain.Notification) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Timestamp: n.now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Usuario", Value: fmt.Sprintf("<@%s>", note.UserID), Inline: true},
			{Name: "Staff", Value: fmt.Sprintf("<@%s>", note.ActorID), Inline: true},
			{Name: "Razón", Value: orDash(note.Reason)},
		},
	}
	if note.Kind == domain.NotifyReversed {
		e.Title = "♻️ CK revertido"
		e.Color = colorReversed
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Roles restaurados", Value: fmt.Sprint(note.Restored), Inline: true})
	} else {
		e.Title = "📋 Registro de CK"
		e.Color = colorCK
	}
	if rec := note.Record; rec != nil {
		e.Fields = append(e.Fields,
			&discordgo.MessageEmbedField{Name: "Registro", Value: rec.ID, Inline: true},
			&discordgo.MessageEmbedField{Name: "Dinero previo", Value: fmt.Sprintf("$%d (%s)", rec.PreviousTotal(), rec.BalanceSource), Inline: true},
		)
		if rec.EvidenceURL != "" {
			e.Image = &discordgo.MessageEmbedImage{URL: rec.EvidenceURL}
		}
	}
	if note.Report != nil {
		if failed := note.Report.Failed(); len(failed) > 0 {
			e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Pasos fallidos", Value: truncate(failedSteps(failed), 1024)})
		}
	}
	return e
}

func (n *Notifier) itemsEmbed(note domain.Notification) *discordgo.MessageEmbed {
	var b strings.Builder
	for _, p := range note.Record.Backup.Purchases {
		fmt.Fprintf(&b, "• %s\n", p.ItemKey)
	}
	return &discordgo.MessageEmbed{
		Title:       "🗑️ Items eliminados por CK",
		Color:       colorItems,
		Description: truncate(fmt.Sprintf("Compras de <@%s> eliminadas:\n%s", note.UserID, b.String()), 4096),
		Timestamp:   n.now().Format(time.RFC3339),
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func rolesRemoved(rec *domain.CKRecord) []domain.RemovedRole {
	if rec == nil {
		return nil
	}
	return rec.RolesRemoved
}

func roleNames(roles []domain.RemovedRole) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return strings.Join(names, ", ")
}

func failedSteps(steps []domain.StepResult) string {
	lines := make([]string, len(steps))
	for i, s := range steps {
		lines[i] = fmt.Sprintf("%s: %s", s.Step, s.Err)
	}
	return strings.Join(lines, "\n")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
