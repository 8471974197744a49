// Package rooms maps spoken room names to satellite site ids and back.
package rooms

import (
	"context"
	"strings"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/dialogue"
	"github.com/loqalabs/hermeskit/internal/hermes"
)

// SiteError is a domain error about an unknown room or site. Returned from
// a handler, its text ends the session.
type SiteError struct {
	Room string
	text string
}

func (e *SiteError) Error() string { return e.text }

type Rooms struct {
	slot         string
	sites        map[string]string // lower-case room -> site id
	names        map[string]string // site id -> room as configured
	here         map[string]struct{}
	prepositions map[string]string
	unknown      string
	unconfigured string
}

func New(cfg config.RoomsConfig) *Rooms {
	r := &Rooms{
		slot:         cfg.Slot,
		sites:        make(map[string]string, len(cfg.Sites)),
		names:        make(map[string]string, len(cfg.Sites)),
		here:         make(map[string]struct{}, len(cfg.Here)),
		prepositions: make(map[string]string, len(cfg.Prepositions)),
		unknown:      cfg.Unknown,
		unconfigured: cfg.Unconfigured,
	}
	if r.slot == "" {
		r.slot = "room"
	}
	if r.unknown == "" {
		r.unknown = "The room {room} is unknown."
	}
	if r.unconfigured == "" {
		r.unconfigured = "This room has not been configured yet."
	}
	for room, site := range cfg.Sites {
		r.sites[strings.ToLower(room)] = site
		r.names[site] = room
	}
	for _, h := range cfg.Here {
		r.here[strings.ToLower(h)] = struct{}{}
	}
	for room, phrase := range cfg.Prepositions {
		r.prepositions[strings.ToLower(room)] = phrase
	}
	return r
}

func (r *Rooms) isHere(room string) bool {
	_, ok := r.here[strings.ToLower(room)]
	return ok
}

// SiteID resolves the room slot of msg to a site id. A room meaning "here"
// resolves to the site the message came from. ok is false when the intent
// has no room slot.
func (r *Rooms) SiteID(msg *hermes.IntentMessage) (siteID string, ok bool, err error) {
	if _, present := msg.Slot(r.slot); !present {
		return "", false, nil
	}
	room := msg.SlotText(r.slot)
	if r.isHere(room) {
		return msg.SiteID, true, nil
	}
	site, found := r.sites[strings.ToLower(room)]
	if !found {
		return "", true, &SiteError{Room: room, text: strings.ReplaceAll(r.unknown, "{room}", room)}
	}
	return site, true, nil
}

// RoomSlot returns the spoken room of msg with its preposition, or
// defaultName when the slot is missing or means "here".
func (r *Rooms) RoomSlot(msg *hermes.IntentMessage, defaultName string) string {
	if _, present := msg.Slot(r.slot); !present {
		return defaultName
	}
	room := msg.SlotText(r.slot)
	if r.isHere(room) {
		return defaultName
	}
	return r.Preposition(room)
}

// RoomName names the room of siteID. When siteID is where the message came
// from, defaultName is returned instead.
func (r *Rooms) RoomName(siteID, msgSiteID, defaultName string) (string, error) {
	if siteID == msgSiteID {
		return defaultName, nil
	}
	room, ok := r.names[siteID]
	if !ok {
		return "", &SiteError{text: r.unconfigured}
	}
	return r.Preposition(room), nil
}

// Preposition turns a room into a phrase such as "in the kitchen".
func (r *Rooms) Preposition(room string) string {
	if phrase, ok := r.prepositions[strings.ToLower(room)]; ok {
		return phrase
	}
	return "in the " + room
}

// Sites returns the configured site ids.
func (r *Rooms) Sites() []string {
	out := make([]string, 0, len(r.names))
	for site := range r.names {
		out = append(out, site)
	}
	return out
}

type targetKey struct{}

// TargetSite returns the site resolved by Resolve.
func TargetSite(ctx context.Context) (string, bool) {
	site, ok := ctx.Value(targetKey{}).(string)
	return site, ok
}

// Resolve looks up the room slot before the handler runs. An unknown room
// ends the session with the unknown room text; otherwise the target site,
// defaulting to the message's own, is put on the context.
func (r *Rooms) Resolve() dialogue.Middleware {
	return func(next dialogue.Handler) dialogue.Handler {
		return func(ctx context.Context, msg *hermes.IntentMessage) (dialogue.Outcome, error) {
			site, ok, err := r.SiteID(msg)
			if err != nil {
				return nil, err
			}
			if !ok {
				site = msg.SiteID
			}
			return next(context.WithValue(ctx, targetKey{}, site), msg)
		}
	}
}
