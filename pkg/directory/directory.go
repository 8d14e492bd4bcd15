// Copyright 2024-2026 The Bender Authors

// Package directory resolves named user groups from an LDAP server.
//
// Two kinds of group definitions coexist. Structural groups are regular LDAP
// group objects under the groups base: the group filter finds them and their
// uniqueMember DNs provide the member tokens. Custom groups are declared in
// configuration with an explicit per-group filter evaluated over the people
// base, collecting uid attributes. Custom filters only run for declared
// groups the structural pass did not resolve, so a structural match always
// wins.
//
// Lookups are soft-failing: a broken connection or a bad filter yields an
// empty (or partial) result and a log line, never an error that aborts
// command handling.
package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
)

// Config holds the LDAP connection and group-resolution settings.
type Config struct {
	// Server is the LDAP URL, e.g. "ldap://ldap.example.org".
	Server       string `yaml:"server"`
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`

	// Base is the people subtree searched by custom group filters.
	Base string `yaml:"base"`
	// GroupsBase is the subtree holding structural group objects.
	GroupsBase string `yaml:"groups_base"`
	// GroupsFilter matches structural group objects, e.g.
	// "(objectClass=groupOfUniqueNames)".
	GroupsFilter string `yaml:"groups_filter"`
	// GroupsID is the attribute naming a group, e.g. "cn".
	GroupsID string `yaml:"groups_id"`

	// Groups declares which group names the bot serves at all.
	Groups []string `yaml:"groups"`
	// Filters maps a declared group name to a custom LDAP filter over Base.
	Filters map[string]string `yaml:"filters"`
	// UserAliases rewrites directory member tokens to chat usernames.
	UserAliases map[string]string `yaml:"user_aliases"`
}

// searcher is the slice of *ldap.Conn the directory needs. Tests substitute
// a fake; production connections come from Directory.dial.
type searcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Directory answers group-membership queries against an LDAP server. Every
// Groups call opens a fresh connection, so membership is never staler than
// one command invocation. Safe for concurrent use.
type Directory struct {
	cfg  Config
	log  zerolog.Logger
	dial func() (searcher, error)
}

// New creates a Directory for the given configuration.
func New(cfg Config, log zerolog.Logger) *Directory {
	d := &Directory{
		cfg: cfg,
		log: log.With().Str("component", "directory").Logger(),
	}
	d.dial = d.connect
	return d
}

func (d *Directory) connect() (searcher, error) {
	conn, err := ldap.DialURL(d.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.Server, err)
	}
	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind as %s: %w", d.cfg.BindDN, err)
		}
	}
	return conn, nil
}

// GroupNames returns the declared group names, in configuration order.
func (d *Directory) GroupNames() []string {
	return d.cfg.Groups
}

// Groups returns the membership of every declared group. Structural groups
// are resolved first; declared names the structural pass missed fall back to
// their custom filter, if one is configured. A failure affecting one group
// is logged and leaves the other groups intact; a connection failure yields
// an empty map.
func (d *Directory) Groups(ctx context.Context) map[string][]string {
	members := make(map[string][]string)

	conn, err := d.dial()
	if err != nil {
		d.log.Error().Err(err).Msg("LDAP connection failed")
		return members
	}
	defer conn.Close()

	for _, name := range d.structuralGroups(conn) {
		tokens, err := d.structuralMembers(conn, name)
		if err != nil {
			d.log.Warn().Err(err).Str("group", name).Msg("Structural group lookup failed")
			continue
		}
		members[name] = d.applyAliases(tokens)
	}

	// Declared groups the structural pass did not resolve are served by
	// their custom filter.
	for _, name := range d.cfg.Groups {
		if _, ok := members[name]; ok {
			continue
		}
		filter, ok := d.cfg.Filters[name]
		if !ok {
			d.log.Debug().Str("group", name).Msg("Group has neither a structural entry nor a custom filter")
			continue
		}
		tokens, err := d.customMembers(conn, name, filter)
		if err != nil {
			d.log.Warn().Err(err).Str("group", name).Msg("Custom group lookup failed")
			continue
		}
		members[name] = d.applyAliases(tokens)
	}

	d.log.Debug().Int("groups", len(members)).Msg("Directory snapshot loaded")
	return members
}

// structuralGroups lists the structural group names present in the
// directory, filtered down to the declared set.
func (d *Directory) structuralGroups(conn searcher) []string {
	req := ldap.NewSearchRequest(
		d.cfg.GroupsBase, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		d.cfg.GroupsFilter, []string{d.cfg.GroupsID}, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		d.log.Warn().Err(err).Msg("Structural group search failed")
		return nil
	}

	declared := make(map[string]struct{}, len(d.cfg.Groups))
	for _, name := range d.cfg.Groups {
		declared[name] = struct{}{}
	}
	var names []string
	for _, entry := range res.Entries {
		name := entry.GetAttributeValue(d.cfg.GroupsID)
		if _, ok := declared[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// structuralMembers fetches one structural group's uniqueMember DNs and
// reduces each to its first RDN value (uid=alice,ou=... -> alice).
func (d *Directory) structuralMembers(conn searcher, name string) ([]string, error) {
	filter := fmt.Sprintf("(&%s(%s=%s))", d.cfg.GroupsFilter, d.cfg.GroupsID, ldap.EscapeFilter(name))
	req := ldap.NewSearchRequest(
		d.cfg.GroupsBase, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"uniqueMember"}, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("group %s vanished between searches", name)
	}

	var tokens []string
	for _, dn := range res.Entries[0].GetAttributeValues("uniqueMember") {
		if token := memberToken(dn); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// customMembers evaluates a group-specific filter over the people base and
// collects the uid attribute of every match.
func (d *Directory) customMembers(conn searcher, name, filter string) ([]string, error) {
	d.log.Debug().Str("group", name).Str("filter", filter).Msg("Searching custom group members")
	req := ldap.NewSearchRequest(
		d.cfg.Base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"uid"}, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, entry := range res.Entries {
		if uid := entry.GetAttributeValue("uid"); uid != "" {
			tokens = append(tokens, uid)
		}
	}
	return tokens, nil
}

func (d *Directory) applyAliases(tokens []string) []string {
	if len(d.cfg.UserAliases) == 0 {
		return tokens
	}
	out := make([]string, len(tokens))
	for i, token := range tokens {
		if alias, ok := d.cfg.UserAliases[token]; ok {
			token = alias
		}
		out[i] = token
	}
	return out
}

// memberToken extracts the value of the leading RDN of a member DN. Returns
// "" for values that do not look like a DN fragment.
func memberToken(dn string) string {
	rdn, _, _ := strings.Cut(dn, ",")
	_, value, ok := strings.Cut(rdn, "=")
	if !ok {
		return ""
	}
	return value
}
