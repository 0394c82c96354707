// Package discord adapts a discordgo session to the CK service: guild roles
// and members, DM and log-channel notifications, and the /ck slash command.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nacionmx/nacion/internal/domain"
)

// Config holds bot credentials, role ids and log channels.
type Config struct {
	Token                 string        `toml:"token" envconfig:"TOKEN"`
	GuildID               string        `toml:"guild_id" envconfig:"GUILD_ID"`
	StaffRoleID           string        `toml:"staff_role_id" envconfig:"STAFF_ROLE_ID"`
	CKManagerRoleID       string        `toml:"ck_manager_role_id" envconfig:"CK_MANAGER_ROLE_ID"`
	PublicLogChannelID    string        `toml:"public_log_channel_id" envconfig:"PUBLIC_LOG_CHANNEL"`
	PrivateLogChannelID   string        `toml:"private_log_channel_id" envconfig:"PRIVATE_LOG_CHANNEL"`
	ExpiredItemsChannelID string        `toml:"expired_items_channel_id" envconfig:"EXPIRED_ITEMS_CHANNEL"`
	ConfirmTimeout        time.Duration `toml:"confirm_timeout" envconfig:"CONFIRM_TIMEOUT"`
}

// DefaultConfig returns a disabled bot with a 30s confirmation window.
func DefaultConfig() Config {
	return Config{ConfirmTimeout: 30 * time.Second}
}

// Enabled reports whether a bot token is configured.
func (c Config) Enabled() bool { return c.Token != "" }

// NewSession opens a bot session with the intents the CK flow needs.
func NewSession(cfg Config) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return s, nil
}

// restAPI is the subset of *discordgo.Session used by Guild and Notifier.
type restAPI interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ─── Guild ──────────────────────────────────────────────────────────────────

// Guild implements domain.Guild over the Discord REST API.
type Guild struct {
	api restAPI
}

// NewGuild wraps a session.
func NewGuild(api restAPI) *Guild {
	return &Guild{api: api}
}

// Member fetches the member with its roles resolved against the guild.
func (g *Guild) Member(ctx context.Context, guildID, userID string) (*domain.Member, error) {
	m, err := g.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isUnknownMember(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrMemberNotFound, userID)
		}
		return nil, fmt.Errorf("fetch member %s: %w", userID, err)
	}
	roles, err := g.Roles(ctx, guildID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}

	out := &domain.Member{UserID: userID}
	if m.User != nil {
		out.Tag = m.User.String()
	}
	for _, id := range m.Roles {
		if r, ok := byID[id]; ok {
			out.Roles = append(out.Roles, r)
		} else {
			out.Roles = append(out.Roles, domain.Role{ID: id})
		}
	}
	return out, nil
}

// Roles lists every role of the guild.
func (g *Guild) Roles(ctx context.Context, guildID string) ([]domain.Role, error) {
	rs, err := g.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch roles: %w", err)
	}
	out := make([]domain.Role, 0, len(rs))
	for _, r := range rs {
		out = append(out, domain.Role{ID: r.ID, Name: r.Name, Managed: r.Managed})
	}
	return out, nil
}

func (g *Guild) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return g.api.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (g *Guild) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return g.api.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func isUnknownMember(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownMember {
		return true
	}
	return rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}
