package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nacionmx/nacion/internal/app/ck"
	"github.com/nacionmx/nacion/internal/domain"
)

const (
	confirmPrefix = "ck_confirm_"
	cancelID      = "ck_cancel"
	historyLimit  = 10
)

// CKService is the use-case surface driven by the /ck command.
type CKService interface {
	Apply(ctx context.Context, req ck.ApplyRequest) (*ck.ApplyResult, error)
	Revert(ctx context.Context, req ck.RevertRequest) (*ck.RevertResult, error)
	History(ctx context.Context, userID string) ([]domain.CKRecord, error)
}

// responder is the interaction subset of *discordgo.Session.
type responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type pendingCK struct {
	req     ck.ApplyRequest
	expires time.Time
}

// Bot handles /ck interactions. Applying a CK takes two clicks: the slash
// command stages the request and a button confirms it within ConfirmTimeout.
type Bot struct {
	cfg Config
	svc CKService
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	pending map[string]pendingCK // actor:target → staged request
}

// NewBot creates the interaction handler.
func NewBot(cfg Config, svc CKService, logger *slog.Logger) *Bot {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		cfg:     cfg,
		svc:     svc,
		log:     logger.With("component", "discord-bot"),
		now:     time.Now,
		pending: make(map[string]pendingCK),
	}
}

// Commands returns the /ck application command definition.
func Commands() []*discordgo.ApplicationCommand {
	user := func(desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{Type: discordgo.ApplicationCommandOptionUser, Name: "usuario", Description: desc, Required: true}
	}
	reason := &discordgo.ApplicationCommandOption{Type: discordgo.ApplicationCommandOptionString, Name: "razon", Description: "Razón", Required: true}

	var types []*discordgo.ApplicationCommandOptionChoice
	for _, t := range []domain.CKType{domain.CKNormal, domain.CKAdmin, domain.CKAuto} {
		types = append(types, &discordgo.ApplicationCommandOptionChoice{Name: string(t), Value: string(t)})
	}

	return []*discordgo.ApplicationCommand{{
		Name:        "ck",
		Description: "Character Kill",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "aplicar",
				Description: "Aplicar un CK a un usuario",
				Options: []*discordgo.ApplicationCommandOption{
					user("Usuario que recibe el CK"),
					{Type: discordgo.ApplicationCommandOptionString, Name: "tipo", Description: "Tipo de CK", Required: true, Choices: types},
					reason,
					{Type: discordgo.ApplicationCommandOptionAttachment, Name: "evidencia", Description: "Evidencia (imagen)", Required: true},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "revertir",
				Description: "Revertir el último CK de un usuario",
				Options:     []*discordgo.ApplicationCommandOption{user("Usuario a restaurar"), reason},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "historial",
				Description: "Ver el historial de CK de un usuario",
				Options:     []*discordgo.ApplicationCommandOption{user("Usuario a consultar")},
			},
		},
	}}
}

// Register installs the guild command and the interaction handler. The
// session must be open.
func (b *Bot) Register(s *discordgo.Session) error {
	if _, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, b.cfg.GuildID, Commands()); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.Handle(context.Background(), s, i)
	})
	b.log.Info("slash commands registered", "guild_id", b.cfg.GuildID)
	return nil
}

// Handle dispatches one interaction.
func (b *Bot) Handle(ctx context.Context, r responder, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		if data.Name != "ck" || len(data.Options) == 0 {
			return
		}
		sub := data.Options[0]
		opts := optionMap(sub.Options)
		switch sub.Name {
		case "aplicar":
			b.stageApply(r, i, opts, data.Resolved)
		case "revertir":
			b.revert(ctx, r, i, opts)
		case "historial":
			b.history(ctx, r, i, opts)
		}
	case discordgo.InteractionMessageComponent:
		b.button(ctx, r, i)
	}
}

// ─── Subcommands ────────────────────────────────────────────────────────────

func (b *Bot) stageApply(r responder, i *discordgo.InteractionCreate, opts map[string]*discordgo.ApplicationCommandInteractionDataOption, resolved *discordgo.ApplicationCommandInteractionDataResolved) {
	if !b.canApply(i.Member) {
		b.reply(r, i, userMessage(domain.ErrPermissionDenied))
		return
	}
	req := ck.ApplyRequest{
		GuildID:     i.GuildID,
		UserID:      optString(opts, "usuario"),
		ActorID:     memberID(i.Member),
		Type:        domain.CKType(optString(opts, "tipo")),
		Reason:      optString(opts, "razon"),
		EvidenceURL: attachmentURL(resolved, optString(opts, "evidencia")),
	}
	if err := req.Validate(); err != nil {
		b.reply(r, i, userMessage(err))
		return
	}
	b.hold(req)

	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
			Embeds: []*discordgo.MessageEmbed{{
				Title:       "⚠️ Confirmar CK",
				Color:       colorItems,
				Description: fmt.Sprintf("¿Aplicar **%s** a <@%s>? Esta acción reinicia al personaje.\nTienes %s para confirmar.", req.Type, req.UserID, b.cfg.ConfirmTimeout),
				Fields:      []*discordgo.MessageEmbedField{{Name: "Razón", Value: req.Reason}},
				Image:       &discordgo.MessageEmbedImage{URL: req.EvidenceURL},
			}},
			Components: confirmButtons(req.UserID),
		},
	})
	if err != nil {
		b.log.Warn("respond failed", "error", err)
	}
}

func (b *Bot) revert(ctx context.Context, r responder, i *discordgo.InteractionCreate, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	if !b.canRevert(i.Member) {
		b.reply(r, i, userMessage(domain.ErrPermissionDenied))
		return
	}
	b.deferReply(r, i)

	res, err := b.svc.Revert(ctx, ck.RevertRequest{
		GuildID: i.GuildID,
		UserID:  optString(opts, "usuario"),
		ActorID: memberID(i.Member),
		Reason:  optString(opts, "razon"),
	})
	if err != nil {
		b.logFatal(err, "revert")
		b.edit(r, i, userMessage(err), nil)
		return
	}
	title := "♻️ CK revertido"
	if !res.Reversed {
		title = "⚠️ Reversión incompleta, vuelve a intentarlo"
	}
	b.edit(r, i, "", reportEmbed(title, colorReversed, &res.Report))
}

func (b *Bot) history(ctx context.Context, r responder, i *discordgo.InteractionCreate, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	if !b.canApply(i.Member) {
		b.reply(r, i, userMessage(domain.ErrPermissionDenied))
		return
	}
	userID := optString(opts, "usuario")
	recs, err := b.svc.History(ctx, userID)
	if err != nil {
		b.logFatal(err, "history")
		b.reply(r, i, userMessage(err))
		return
	}
	if len(recs) == 0 {
		b.reply(r, i, userMessage(domain.ErrNoCKRecord))
		return
	}
	err = r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:  discordgo.MessageFlagsEphemeral,
			Embeds: []*discordgo.MessageEmbed{historyEmbed(userID, recs)},
		},
	})
	if err != nil {
		b.log.Warn("respond failed", "error", err)
	}
}

// ─── Confirmation ───────────────────────────────────────────────────────────

func (b *Bot) button(ctx context.Context, r responder, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	actor := memberID(i.Member)

	switch {
	case customID == cancelID:
		b.drop(actor)
		b.update(r, i, "❎ CK cancelado.")
	case strings.HasPrefix(customID, confirmPrefix):
		target := strings.TrimPrefix(customID, confirmPrefix)
		req, ok := b.take(actor, target)
		if !ok {
			b.update(r, i, "⌛ La confirmación expiró. Vuelve a ejecutar el comando.")
			return
		}
		err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})
		if err != nil {
			b.log.Warn("defer update failed", "error", err)
		}
		b.confirmApply(ctx, r, i, req)
	}
}

func (b *Bot) confirmApply(ctx context.Context, r responder, i *discordgo.InteractionCreate, req ck.ApplyRequest) {
	res, err := b.svc.Apply(ctx, req)
	if err != nil {
		b.logFatal(err, "apply")
		b.edit(r, i, userMessage(err), nil)
		return
	}
	var embed *discordgo.MessageEmbed
	switch res.Outcome {
	case ck.OutcomeLifeSaved:
		embed = reportEmbed("🛡️ Vida salvada por seguro Anti-CK", colorSaved, &res.Report)
	case ck.OutcomePartial:
		embed = reportEmbed("⚠️ CK incompleto, quedó en proceso y puede reanudarse", colorItems, &res.Report)
	default:
		embed = reportEmbed("💀 CK aplicado", colorCK, &res.Report)
	}
	if res.Record != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Registro " + res.Record.ID}
	}
	b.edit(r, i, "", embed)
}

// hold stages req for its actor and prunes expired entries.
func (b *Bot) hold(req ck.ApplyRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for k, p := range b.pending {
		if now.After(p.expires) {
			delete(b.pending, k)
		}
	}
	b.pending[pendingKey(req.ActorID, req.UserID)] = pendingCK{req: req, expires: now.Add(b.cfg.ConfirmTimeout)}
}

// take removes and returns the staged request if it has not expired.
func (b *Bot) take(actorID, targetID string) (ck.ApplyRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := pendingKey(actorID, targetID)
	p, ok := b.pending[key]
	if !ok {
		return ck.ApplyRequest{}, false
	}
	delete(b.pending, key)
	if b.now().After(p.expires) {
		return ck.ApplyRequest{}, false
	}
	return p.req, true
}

func (b *Bot) drop(actorID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.pending {
		if strings.HasPrefix(k, actorID+":") {
			delete(b.pending, k)
		}
	}
}

func pendingKey(actorID, targetID string) string { return actorID + ":" + targetID }

// ─── Authorization ──────────────────────────────────────────────────────────

func (b *Bot) canApply(m *discordgo.Member) bool {
	return isAdmin(m) || hasRole(m, b.cfg.StaffRoleID)
}

func (b *Bot) canRevert(m *discordgo.Member) bool {
	return isAdmin(m) || hasRole(m, b.cfg.CKManagerRoleID)
}

func isAdmin(m *discordgo.Member) bool {
	return m != nil && m.Permissions&discordgo.PermissionAdministrator != 0
}

func hasRole(m *discordgo.Member, roleID string) bool {
	return m != nil && roleID != "" && slices.Contains(m.Roles, roleID)
}

// ─── Responses ──────────────────────────────────────────────────────────────

func (b *Bot) reply(r responder, i *discordgo.InteractionCreate, msg string) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: msg, Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.log.Warn("respond failed", "error", err)
	}
}

func (b *Bot) update(r responder, i *discordgo.InteractionCreate, msg string) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{Content: msg, Embeds: []*discordgo.MessageEmbed{}, Components: []discordgo.MessageComponent{}},
	})
	if err != nil {
		b.log.Warn("update failed", "error", err)
	}
}

func (b *Bot) deferReply(r responder, i *discordgo.InteractionCreate) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.log.Warn("defer failed", "error", err)
	}
}

func (b *Bot) edit(r responder, i *discordgo.InteractionCreate, msg string, embed *discordgo.MessageEmbed) {
	embeds := []*discordgo.MessageEmbed{}
	if embed != nil {
		embeds = append(embeds, embed)
	}
	components := []discordgo.MessageComponent{}
	if _, err := r.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content:    &msg,
		Embeds:     &embeds,
		Components: &components,
	}); err != nil {
		b.log.Warn("edit response failed", "error", err)
	}
}

func (b *Bot) logFatal(err error, op string) {
	if domain.IsPrecondition(err) {
		b.log.Info("CK command rejected", "op", op, "reason", err)
		return
	}
	b.log.Error("CK command failed", "op", op, "error", err)
}

// userMessage renders err for the moderator. Unexpected errors get a
// generic message; details stay in the logs.
func userMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "⛔ No tienes permisos para usar este comando."
	case errors.Is(err, domain.ErrNoCKRecord):
		return "ℹ️ El usuario no tiene registros de CK."
	case errors.Is(err, domain.ErrNoBackup):
		return "⚠️ Este CK es anterior a los respaldos. Solo los roles pueden restaurarse manualmente."
	case errors.Is(err, domain.ErrAlreadyReversed):
		return "ℹ️ Este CK ya fue revertido."
	case errors.Is(err, domain.ErrMemberNotFound):
		return "⚠️ El usuario no está en el servidor."
	case errors.Is(err, domain.ErrInvalidCKType):
		return "⚠️ Tipo de CK inválido."
	case errors.Is(err, domain.ErrMissingEvidence):
		return "⚠️ Debes adjuntar una evidencia."
	case errors.Is(err, domain.ErrCKInProgress):
		return "⏳ Ya hay una operación de CK en curso para este usuario."
	case errors.Is(err, domain.ErrBalanceUnknown):
		return "⚠️ No se pudo leer el dinero del usuario. No se aplicó ningún cambio."
	}
	return "❌ Error crítico, revisa los logs."
}

func confirmButtons(targetID string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{Label: "Confirmar CK", Style: discordgo.DangerButton, CustomID: confirmPrefix + targetID},
			discordgo.Button{Label: "Cancelar", Style: discordgo.SecondaryButton, CustomID: cancelID},
		}},
	}
}

func reportEmbed(title string, color int, report *domain.Report) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Color:       color,
		Description: truncate("```\n"+report.Summary()+"```", 4096),
	}
}

func historyEmbed(userID string, recs []domain.CKRecord) *discordgo.MessageEmbed {
	var b strings.Builder
	for i, rec := range recs {
		if i == historyLimit {
			fmt.Fprintf(&b, "... y %d más\n", len(recs)-historyLimit)
			break
		}
		fmt.Fprintf(&b, "`%s` %s **%s** (%s) $%d por <@%s>\n",
			shortID(rec.ID), rec.CreatedAt.Format("2006-01-02"), rec.Type, rec.Status, rec.PreviousTotal(), rec.AppliedBy)
	}
	return &discordgo.MessageEmbed{
		Title:       "📜 Historial de CK",
		Color:       colorCK,
		Description: truncate(fmt.Sprintf("<@%s>\n%s", userID, b.String()), 4096),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ─── Options ────────────────────────────────────────────────────────────────

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func optString(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	o, ok := opts[name]
	if !ok {
		return ""
	}
	s, _ := o.Value.(string)
	return s
}

func attachmentURL(resolved *discordgo.ApplicationCommandInteractionDataResolved, id string) string {
	if resolved == nil || id == "" {
		return ""
	}
	if a, ok := resolved.Attachments[id]; ok && a != nil {
		return a.URL
	}
	return ""
}

func memberID(m *discordgo.Member) string {
	if m == nil || m.User == nil {
		return ""
	}
	return m.User.ID
}
