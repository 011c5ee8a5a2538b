// Package editor coordinates collaborative single-writer editing of a
// record: one owner whose live draft is mirrored to every spectator, with
// ownership derived from presence and re-checked at save time.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"curator/api/internal/broadcast"
	"curator/api/internal/multilang"
	"curator/api/internal/presence"
	"curator/api/internal/schema"
	"curator/api/internal/store"
	"curator/api/internal/util"
)

// Event kinds emitted to the transport layer.
const (
	EventRole    = "role"
	EventState   = "state"
	EventEditors = "editors"
	EventSaved   = "saved"
	EventEvicted = "evicted"
	EventNotice  = "notice"
)

// Event is pushed upward to whatever presentation transport hosts the
// session (websocket, test harness).
type Event struct {
	Kind    string
	Role    Role
	Editors EditorsView
	State   FormState
	Unsaved bool
	Record  *store.Record
	Notice  string
}

// FormState is the full-snapshot payload carried on both synchronization
// channels: the owner's presence metadata (late-join consistency) and the
// topic broadcast (low-latency consistency). Spectators apply it verbatim,
// errors included, without re-validating.
type FormState struct {
	Params         map[string]string `json:"params"`
	ActiveLanguage string            `json:"active_language,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
}

const formStateMetaKey = "form_state"

// LifecycleTopic carries record created/updated/deleted events for
// consumers outside any one edit topic (search indexing, dashboards).
const LifecycleTopic = "records"

// LifecycleEvent is the payload of record lifecycle broadcasts.
type LifecycleEvent struct {
	EntityName string `json:"entity"`
	RecordID   string `json:"record_id"`
	Title      string `json:"title"`
}

type recordStore interface {
	GetRecord(ctx context.Context, id string) (store.Record, error)
	CreateRecord(ctx context.Context, record store.Record) (store.Record, error)
	UpdateRecord(ctx context.Context, record store.Record) (store.Record, error)
}

type presenceAPI interface {
	Track(ctx context.Context, topic string, entry presence.Entry) error
	Untrack(ctx context.Context, topic, participantID string) error
	List(ctx context.Context, topic string) ([]presence.Entry, error)
	SetMeta(ctx context.Context, topic, participantID, metaKey string, value any) error
	Heartbeat(ctx context.Context, topic string) error
	Watch(ctx context.Context, topic string) (<-chan presence.Diff, func(), error)
}

type broker interface {
	Publish(ctx context.Context, topic string, msg broadcast.Message) error
	Subscribe(ctx context.Context, topic string) (<-chan broadcast.Message, func(), error)
}

type attachmentChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Deps are the external collaborators of a session. Presence and Broker
// may be nil: the session degrades to local-only editing, never fails.
type Deps struct {
	Store       recordStore
	Presence    presenceAPI
	Broker      broker
	Attachments attachmentChecker
}

// Config describes one participant mounting the edit form.
type Config struct {
	Topic          string
	Entity         store.Entity
	Fields         []schema.Field
	RecordID       string // empty for a new, not yet persisted record
	Identity       Identity
	Languages      multilang.Settings
	HeartbeatEvery time.Duration
}

type command struct {
	kind   string
	params map[string]string
	lang   string
}

// Session is one participant's editing process: a single goroutine that
// consumes presence diffs, topic broadcasts, and local form events in
// arrival order. All mutable state is owned by that goroutine; the rest
// of the program talks to it through channels only.
type Session struct {
	deps Deps
	cfg  Config
	solo bool

	commands chan command
	events   chan Event
	done     chan struct{}
	cancel   context.CancelFunc

	// owned by run(), untouched elsewhere
	role      Role
	record    store.Record
	hasRecord bool
	draftData map[string]any
	state     FormState
	unsaved   bool
}

// Mount connects a participant to an editing topic: track presence,
// resolve the role, build the initial draft (the owner's from the
// persisted record, a spectator's mirrored from the owner's metadata),
// and start the event loop.
func Mount(ctx context.Context, deps Deps, cfg Config) (*Session, error) {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}

	s := &Session{
		deps:     deps,
		cfg:      cfg,
		solo:     cfg.RecordID == "" || deps.Presence == nil,
		commands: make(chan command, 16),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}

	if cfg.RecordID != "" {
		record, err := deps.Store.GetRecord(ctx, cfg.RecordID)
		if err != nil {
			return nil, fmt.Errorf("load record: %w", err)
		}
		s.record = record
		s.hasRecord = true
	} else {
		s.record = store.Record{EntityID: cfg.Entity.ID, Data: map[string]any{}}
	}

	var (
		diffs   <-chan presence.Diff
		msgs    <-chan broadcast.Message
		cancels []func()
	)
	if !s.solo {
		if d, cancelDiffs, err := deps.Presence.Watch(ctx, cfg.Topic); err != nil {
			log.Printf("editor: presence watch unavailable on %s: %v", cfg.Topic, err)
		} else {
			diffs = d
			cancels = append(cancels, cancelDiffs)
		}
		if deps.Broker != nil {
			if m, cancelMsgs, err := deps.Broker.Subscribe(ctx, cfg.Topic); err != nil {
				log.Printf("editor: broadcast unavailable on %s: %v", cfg.Topic, err)
			} else {
				msgs = m
				cancels = append(cancels, cancelMsgs)
			}
		}

		if err := deps.Presence.Track(ctx, cfg.Topic, presence.Entry{
			ParticipantID: cfg.Identity.ParticipantID,
			UserID:        cfg.Identity.UserID,
			UserName:      cfg.Identity.UserName,
		}); err != nil {
			for _, cancelSub := range cancels {
				cancelSub()
			}
			return nil, fmt.Errorf("track presence: %w", err)
		}

		entries, err := deps.Presence.List(ctx, cfg.Topic)
		if err != nil {
			log.Printf("editor: initial presence list on %s: %v", cfg.Topic, err)
		}
		s.role = RoleOf(entries, cfg.Identity.ParticipantID)
		s.emit(Event{Kind: EventEditors, Editors: View(entries)})

		if s.role == RoleSpectator {
			if mirrored, ok := ownerFormState(entries); ok {
				// mirror the owner's in-progress draft verbatim, even if
				// it is currently invalid
				s.state = mirrored
			}
		}
	} else {
		s.role = RoleOwner
	}

	s.draftData = s.record.Data
	if s.role == RoleOwner {
		s.rekeyDraft(ctx)
		s.state = s.stateFor(activeOrPrimary(s.state.ActiveLanguage, cfg.Languages))
	} else if s.state.Params == nil {
		s.state = s.stateFor(cfg.Languages.Primary)
	}

	s.emit(Event{Kind: EventRole, Role: s.role})
	s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, diffs, msgs, cancels)
	return s, nil
}

// Events delivers role changes, state snapshots, the editors projection,
// save results, and eviction to the transport. Closed when the session
// ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Change feeds the owner's latest raw parameter map into the session.
func (s *Session) Change(params map[string]string) {
	s.send(command{kind: "change", params: params})
}

// SetLanguage switches the active editing tab.
func (s *Session) SetLanguage(lang string) {
	s.send(command{kind: "language", lang: lang})
}

// Save asks the pipeline to validate and commit the draft.
func (s *Session) Save() {
	s.send(command{kind: "save"})
}

// Close tears the session down. Presence absence is the only cancellation
// signal other participants need.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Session) send(cmd command) {
	select {
	case s.commands <- cmd:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context, diffs <-chan presence.Diff, msgs <-chan broadcast.Message, cancels []func()) {
	heartbeat := time.NewTicker(s.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	defer func() {
		for _, cancelSub := range cancels {
			cancelSub()
		}
		if !s.solo {
			detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.deps.Presence.Untrack(detachCtx, s.cfg.Topic, s.cfg.Identity.ParticipantID); err != nil {
				log.Printf("editor: untrack on %s: %v", s.cfg.Topic, err)
			}
			cancel()
		}
		close(s.done)
		close(s.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			switch cmd.kind {
			case "change":
				s.handleChange(ctx, cmd.params)
			case "language":
				s.handleLanguage(ctx, cmd.lang)
			case "save":
				s.handleSave(ctx)
			}
		case _, ok := <-diffs:
			if !ok {
				diffs = nil
				continue
			}
			s.handlePresenceChange(ctx)
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if evicted := s.handleBroadcast(msg); evicted {
				return
			}
		case <-heartbeat.C:
			if !s.solo {
				if err := s.deps.Presence.Heartbeat(ctx, s.cfg.Topic); err != nil {
					log.Printf("editor: heartbeat on %s: %v", s.cfg.Topic, err)
				}
			}
		}
	}
}

// handleChange processes a keystroke-level validate event: update the
// draft, run validation (never persisting), and rebroadcast the snapshot,
// invalid states included.
func (s *Session) handleChange(ctx context.Context, params map[string]string) {
	if s.role != RoleOwner {
		s.emit(Event{Kind: EventNotice, Notice: "only the owner can edit this record"})
		return
	}
	if params == nil {
		params = map[string]string{}
	}
	s.state.Params = params
	s.state.Errors = Validate(s.cfg.Fields, params)
	s.unsaved = true
	s.syncState(ctx)
	s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
}

// handleLanguage folds the active tab's edits into the working draft,
// then rebuilds the parameter map for the requested language.
func (s *Session) handleLanguage(ctx context.Context, lang string) {
	if s.role != RoleOwner {
		return
	}
	st := s.cfg.Languages
	if st.Multilingual && !st.IsEnabled(lang) {
		s.emit(Event{Kind: EventNotice, Notice: fmt.Sprintf("language %q is not enabled", lang)})
		return
	}
	s.foldActiveTab()
	s.state = s.stateFor(lang)
	s.syncState(ctx)
	s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
}

// handleSave is the one place shared state may be written. Ownership is
// re-checked against live presence here, not trusted from mount time.
func (s *Session) handleSave(ctx context.Context) {
	if !s.ownsLock(ctx) {
		s.emit(Event{Kind: EventNotice, Notice: "record is locked by another editor"})
		return
	}

	errs := Validate(s.cfg.Fields, s.state.Params)
	s.checkReferences(ctx, errs)
	if len(errs) > 0 {
		s.state.Errors = errs
		s.syncState(ctx)
		s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
		return
	}

	st := s.cfg.Languages
	s.foldActiveTab()
	data := s.draftData

	var title string
	if st.Multilingual {
		if multilang.IsWrapped(data) {
			stamped := make(map[string]any, len(data))
			for k, v := range data {
				stamped[k] = v
			}
			stamped[multilang.PrimaryKey] = st.Primary
			data = stamped
		}
		title = multilang.Title(data, st)
	} else {
		title = s.state.Params["title"]
	}

	next := s.record
	next.Title = title
	next.Slug = DeriveSlug(s.state.Params["slug"], s.record.Title, title)
	next.Data = data
	next.UpdatedBy = s.cfg.Identity.UserName

	var (
		saved   store.Record
		err     error
		created bool
	)
	if s.hasRecord {
		saved, err = s.deps.Store.UpdateRecord(ctx, next)
	} else {
		next.ID = util.NewID("rec")
		next.EntityID = s.cfg.Entity.ID
		saved, err = s.deps.Store.CreateRecord(ctx, next)
		created = err == nil
	}
	if err != nil {
		// keep the full draft intact and rebroadcast it with the errors
		// attached instead of discarding user input
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			errs[conflict.Field] = conflict.Message
		} else {
			log.Printf("editor: save %s: %v", s.cfg.Topic, err)
			errs[ErrorKeyBase] = "could not save record"
		}
		s.state.Errors = errs
		s.syncState(ctx)
		s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
		return
	}

	s.record = saved
	s.hasRecord = true
	s.draftData = saved.Data
	s.unsaved = false
	s.state.Errors = nil
	s.state.Params["slug"] = saved.Slug
	s.syncState(ctx)

	kind := broadcast.KindRecordUpdated
	if created {
		kind = broadcast.KindRecordCreated
	}
	s.publishLifecycle(ctx, kind, saved)

	s.emit(Event{Kind: EventSaved, Record: &saved, State: s.state})
	s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
}

// handlePresenceChange recomputes the role from a fresh ordered snapshot.
// Nothing is cached across membership changes.
func (s *Session) handlePresenceChange(ctx context.Context) {
	entries, err := s.deps.Presence.List(ctx, s.cfg.Topic)
	if err != nil {
		log.Printf("editor: presence list on %s: %v", s.cfg.Topic, err)
		return
	}
	s.emit(Event{Kind: EventEditors, Editors: View(entries)})

	next := RoleOf(entries, s.cfg.Identity.ParticipantID)
	if next == s.role {
		return
	}
	previous := s.role
	s.role = next
	s.emit(Event{Kind: EventRole, Role: s.role})

	switch {
	case previous == RoleSpectator && next == RoleOwner:
		s.promote(ctx)
	case previous == RoleOwner && next == RoleSpectator:
		// an earlier-joined session appeared (same user's other tab);
		// fall back to mirroring it
		if mirrored, ok := ownerFormState(entries); ok {
			s.state = mirrored
			s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
		}
	}
}

// promote discards the mirrored draft and rebuilds a fresh one from the
// persisted record, so a new owner always starts from committed truth,
// never from a possibly-incomplete mirror.
func (s *Session) promote(ctx context.Context) {
	if s.cfg.RecordID != "" {
		record, err := s.deps.Store.GetRecord(ctx, s.cfg.RecordID)
		if err != nil {
			log.Printf("editor: reload on promotion %s: %v", s.cfg.Topic, err)
		} else {
			s.record = record
			s.hasRecord = true
		}
	}
	s.draftData = s.record.Data
	s.rekeyDraft(ctx)
	s.unsaved = false
	s.state = s.stateFor(activeOrPrimary(s.state.ActiveLanguage, s.cfg.Languages))
	s.syncState(ctx)
	s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
}

func (s *Session) handleBroadcast(msg broadcast.Message) (evicted bool) {
	// a broadcast whose source equals the local tag is our own echo
	if msg.Source == s.cfg.Identity.ParticipantID {
		return false
	}
	switch msg.Kind {
	case broadcast.KindFormState:
		if s.role != RoleSpectator {
			return false
		}
		var state FormState
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			log.Printf("editor: bad form_state on %s: %v", s.cfg.Topic, err)
			return false
		}
		// mirror the owner's screen exactly; no validation here
		s.state = state
		s.emit(Event{Kind: EventState, State: s.state, Unsaved: s.unsaved})
	case broadcast.KindRecordDeleted:
		var event LifecycleEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return false
		}
		if event.RecordID == s.cfg.RecordID {
			s.emit(Event{Kind: EventEvicted, Notice: "record was deleted"})
			return true
		}
	}
	return false
}

// ownsLock re-resolves ownership from live presence. A stale owner whose
// lock moved while it was disconnected must be rejected here regardless
// of what its local role says.
func (s *Session) ownsLock(ctx context.Context) bool {
	if s.solo {
		return true
	}
	entries, err := s.deps.Presence.List(ctx, s.cfg.Topic)
	if err != nil {
		log.Printf("editor: presence check on %s: %v", s.cfg.Topic, err)
		return s.role == RoleOwner
	}
	if len(entries) == 0 {
		// nobody tracked (presence expired); the sole participant edits
		return true
	}
	role := RoleOf(entries, s.cfg.Identity.ParticipantID)
	if role != s.role {
		s.role = role
		s.emit(Event{Kind: EventRole, Role: role})
	}
	return role == RoleOwner
}

// checkReferences verifies relation targets against the record store and
// attachment keys against the object store. Both degrade silently when
// the collaborator is absent.
func (s *Session) checkReferences(ctx context.Context, errs map[string]string) {
	for _, field := range s.cfg.Fields {
		value := s.state.Params[field.Key]
		if value == "" {
			continue
		}
		if _, already := errs[field.Key]; already {
			continue
		}
		switch field.Kind {
		case schema.KindRelation:
			if _, err := s.deps.Store.GetRecord(ctx, value); err != nil {
				errs[field.Key] = "does not exist"
			}
		case schema.KindFile:
			if s.deps.Attachments == nil {
				continue
			}
			ok, err := s.deps.Attachments.Exists(ctx, value)
			if err != nil {
				log.Printf("editor: attachment check %s: %v", value, err)
				continue
			}
			if !ok {
				errs[field.Key] = "upload not found"
			}
		}
	}
}

// foldActiveTab merges the active tab's raw params into the working
// multilingual draft.
func (s *Session) foldActiveTab() {
	st := s.cfg.Languages
	lang := activeOrPrimary(s.state.ActiveLanguage, st)
	fieldMap := BuildFieldMap(s.cfg.Fields, s.state.Params)
	if st.Multilingual {
		// monolingual records keep their title in the title column only
		fieldMap = multilang.InjectTitle(fieldMap, s.state.Params, lang, st.Primary)
	}
	s.draftData = multilang.MergeLanguage(s.draftData, lang, fieldMap, st)
}

// rekeyDraft reconciles the draft with a primary language changed since
// the record's last save, persisting the migrated scalar title.
func (s *Session) rekeyDraft(ctx context.Context) {
	data, title, changed := multilang.Rekey(s.draftData, s.cfg.Languages)
	if !changed {
		return
	}
	s.draftData = data
	s.record.Data = data
	s.record.Title = title
	if s.hasRecord {
		if updated, err := s.deps.Store.UpdateRecord(ctx, s.record); err != nil {
			log.Printf("editor: persist rekey %s: %v", s.cfg.Topic, err)
		} else {
			s.record = updated
		}
	}
}

// stateFor builds the raw parameter map for a language tab from the
// working draft.
func (s *Session) stateFor(lang string) FormState {
	st := s.cfg.Languages
	fields := multilang.LanguageFields(s.draftData, lang, st)

	params := make(map[string]string, len(s.cfg.Fields)+2)
	for _, field := range s.cfg.Fields {
		if value, ok := fields[field.Key]; ok {
			params[field.Key] = formatValue(value)
		} else if !s.hasRecord {
			params[field.Key] = field.DefaultValue()
		}
	}
	params["slug"] = s.record.Slug
	if !st.Multilingual || lang == st.Primary {
		// key presence decides: a cleared draft title must not resurrect
		// the persisted one
		if title, ok := fields[multilang.TitleKey].(string); ok {
			params["title"] = title
		} else {
			params["title"] = s.record.Title
		}
	} else if title, ok := fields[multilang.TitleKey].(string); ok {
		params["lang_title"] = title
	}

	state := FormState{Params: params}
	if st.Multilingual {
		state.ActiveLanguage = lang
	}
	return state
}

// syncState pushes the current snapshot through both channels: presence
// metadata for late joiners, broadcast for everyone already here. Both
// are best effort; the local draft is already updated either way.
func (s *Session) syncState(ctx context.Context) {
	if s.solo {
		return
	}
	if err := s.deps.Presence.SetMeta(ctx, s.cfg.Topic, s.cfg.Identity.ParticipantID, formStateMetaKey, s.state); err != nil {
		log.Printf("editor: store form state on %s: %v", s.cfg.Topic, err)
	}
	if s.deps.Broker == nil {
		return
	}
	payload, err := json.Marshal(s.state)
	if err != nil {
		log.Printf("editor: marshal form state: %v", err)
		return
	}
	if err := s.deps.Broker.Publish(ctx, s.cfg.Topic, broadcast.Message{
		Source:  s.cfg.Identity.ParticipantID,
		Kind:    broadcast.KindFormState,
		Payload: payload,
	}); err != nil {
		log.Printf("editor: broadcast form state on %s: %v", s.cfg.Topic, err)
	}
}

func (s *Session) publishLifecycle(ctx context.Context, kind string, record store.Record) {
	if s.deps.Broker == nil {
		return
	}
	payload, err := json.Marshal(LifecycleEvent{
		EntityName: s.cfg.Entity.Name,
		RecordID:   record.ID,
		Title:      record.Title,
	})
	if err != nil {
		return
	}
	msg := broadcast.Message{Source: s.cfg.Identity.ParticipantID, Kind: kind, Payload: payload}
	if err := s.deps.Broker.Publish(ctx, LifecycleTopic, msg); err != nil {
		log.Printf("editor: publish lifecycle %s: %v", kind, err)
	}
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		log.Printf("editor: dropping %s event on %s (slow consumer)", event.Kind, s.cfg.Topic)
	}
}

// ownerFormState extracts the owner's mirrored draft from its presence
// metadata, the late-join synchronization channel.
func ownerFormState(entries []presence.Entry) (FormState, bool) {
	owner, _, ok := Resolve(entries)
	if !ok {
		return FormState{}, false
	}
	raw, ok := owner.Meta[formStateMetaKey]
	if !ok {
		return FormState{}, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return FormState{}, false
	}
	var state FormState
	if err := json.Unmarshal(encoded, &state); err != nil {
		return FormState{}, false
	}
	return state, true
}

func activeOrPrimary(lang string, st multilang.Settings) string {
	if !st.Multilingual {
		return st.Primary
	}
	if lang != "" && st.IsEnabled(lang) {
		return lang
	}
	return st.Primary
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
