// Copyright 2024-2026 The Bender Authors

package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/config"
)

// feedParser fetches and parses one feed URL. *gofeed.Parser satisfies it;
// tests substitute a fake.
type feedParser interface {
	ParseURLWithContext(feedURL string, ctx context.Context) (*gofeed.Feed, error)
}

// Feeder polls RSS/Atom feeds and posts entries that appeared since the
// previous poll as notices. Each feed keeps its own high-water timestamp, so
// an entry is announced at most once; entries already published when the bot
// starts are never replayed.
type Feeder struct {
	host   Host
	log    zerolog.Logger
	parser feedParser
	name   string
	rooms  []string
	feeds  map[string]string
	seen   map[string]time.Time
	period time.Duration
	last   time.Time
}

// NewFeeder builds a Feeder plugin.
func NewFeeder(host Host, cfg config.Plugin, log zerolog.Logger) (Plugin, error) {
	if len(cfg.Feeds) == 0 {
		return nil, fmt.Errorf("feeder needs at least one feed")
	}
	period := cfg.Period.Std()
	if period == 0 {
		period = time.Minute
	}
	seen := make(map[string]time.Time, len(cfg.Feeds))
	now := time.Now()
	for name := range cfg.Feeds {
		seen[name] = now
	}
	return &Feeder{
		host:   host,
		log:    log,
		parser: gofeed.NewParser(),
		name:   cfg.Name,
		rooms:  cfg.Rooms,
		feeds:  cfg.Feeds,
		seen:   seen,
		period: period,
	}, nil
}

func (f *Feeder) Name() string { return f.name }

func (f *Feeder) DispatchTick(ctx context.Context) {
	now := time.Now()
	if now.Before(f.last.Add(f.period)) {
		return
	}
	f.last = now

	var lines []string
	for name, url := range f.feeds {
		entries, err := f.collect(ctx, name, url)
		if err != nil {
			f.log.Warn().Err(err).Str("feed", name).Msg("Feed poll failed")
			continue
		}
		lines = append(lines, entries...)
	}
	if len(lines) == 0 {
		return
	}

	message := strings.Join(lines, "\n")
	for _, target := range resolveRooms(ctx, f.host, f.rooms, f.log) {
		if err := f.host.SendNotice(ctx, target, message); err != nil {
			f.log.Warn().Err(err).
				Str("room_id", target.String()).
				Msg("Feed delivery failed")
		}
	}
}

// collect returns the pretty-printed entries of one feed newer than its
// high-water timestamp, and advances the timestamp.
func (f *Feeder) collect(ctx context.Context, name, url string) ([]string, error) {
	feed, err := f.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, err
	}

	highWater := f.seen[name]
	newest := highWater
	var lines []string
	for _, item := range feed.Items {
		published := item.UpdatedParsed
		if published == nil {
			published = item.PublishedParsed
		}
		if published == nil || !published.After(highWater) {
			continue
		}
		if published.After(newest) {
			newest = *published
		}
		lines = append(lines, prettyEntry(item))
	}
	f.seen[name] = newest
	return lines, nil
}

func prettyEntry(item *gofeed.Item) string {
	title := item.Title
	if title == "" {
		title = "New post"
	}
	var sb strings.Builder
	sb.WriteString(title)
	if item.Author != nil && item.Author.Name != "" {
		sb.WriteString(" by " + item.Author.Name)
	}
	if item.Link != "" {
		sb.WriteString(" (" + item.Link + ")")
	}
	return sb.String()
}

func (f *Feeder) HandleCommand(context.Context, id.UserID, id.RoomID, []string) bool {
	return false
}

func (f *Feeder) Help(id.UserID, id.RoomID) string { return "" }
