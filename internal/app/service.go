package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"projecthub/api/internal/auth"
	"projecthub/api/internal/authpw"
	"projecthub/api/internal/config"
	"projecthub/api/internal/guid"
	"projecthub/api/internal/store"
	"projecthub/api/internal/util"
)

// Identity is the requesting user. The zero value is anonymous.
type Identity struct {
	UserID     string
	Username   string
	Staff      bool
	TrustLevel int
}

func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Staff        bool
	TrustLevel   int
	ExpiresAt    time.Time
}

type TopicSummary struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	TopicGUID   string    `json:"topicGuid,omitempty"`
	ParentGUIDs []string  `json:"parentGuids"`
	Pinned      bool      `json:"pinned"`
	CreatedAt   time.Time `json:"createdAt"`
	BumpedAt    time.Time `json:"bumpedAt"`
}

// Listing is one page of a project-scoped topic listing plus the denormalized
// ancestry metadata shared by every entry.
type Listing struct {
	ProjectGUID     string         `json:"projectGuid"`
	Filter          string         `json:"filter"`
	Period          string         `json:"period,omitempty"`
	Topics          []TopicSummary `json:"topics"`
	ParentGUIDs     []string       `json:"parentGuids"`
	ParentNames     []string       `json:"parentNames"`
	ProjectIsPublic bool           `json:"projectIsPublic"`
	Page            int            `json:"page"`
	PerPage         int            `json:"perPage"`
}

// TopicView is the visibility-resolved view of a single topic.
type TopicView struct {
	Topic       TopicSummary `json:"topic"`
	ParentGUIDs []string     `json:"parentGuids"`
	ParentNames []string     `json:"parentNames"`
}

type ListOptions struct {
	Page    int
	PerPage int
}

type NewTopic struct {
	Title       string `json:"title"`
	ProjectGUID string `json:"projectGuid"`
	TopicGUID   string `json:"topicGuid"`
}

// ProjectUpdate carries the mutable project attributes. Nil fields are left
// untouched; a non-nil empty ViewOnlyKeys or Contributors clears the set.
type ProjectUpdate struct {
	IsPublic     *bool    `json:"isPublic"`
	ViewOnlyKeys []string `json:"viewOnlyKeys"`
	Contributors []string `json:"contributors"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	GroupByName(ctx context.Context, name string) (store.Group, error)
	UpsertGroup(ctx context.Context, g store.Group) error
	UpdateGroupVisibility(ctx context.Context, name string, visible bool) error
	UpdateGroupViewOnlyKeys(ctx context.Context, name, encodedKeys string) error
	IsGroupMember(ctx context.Context, groupName, userID string) (bool, error)
	GroupMembers(ctx context.Context, groupName string) ([]store.Contributor, error)
	ReplaceGroupMembers(ctx context.Context, groupName string, usernames []string) error
	InvalidateGroup(name string)
	GetTopic(ctx context.Context, topicID int64) (store.Topic, error)
	TopicByGUID(ctx context.Context, g string) (store.Topic, error)
	TopicsByGUIDs(ctx context.Context, guids []string) ([]store.Topic, error)
	InsertTopic(ctx context.Context, t store.Topic) (int64, error)
	SoftDeleteProjectTopics(ctx context.Context, projectGUID string) (int64, error)
	RecoverProjectTopics(ctx context.Context, projectGUID string) (int64, error)
	ListProjectTopics(ctx context.Context, q store.ListQuery) ([]store.Topic, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RecordKeyAccess(ctx context.Context, projectGUID, keyHash string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// ---- per-request resolution scope ----

// projectState is the request-lifetime snapshot of one project: its group,
// its project topic, and the membership/key answers already computed for the
// requesting identity. Repeated checks within a request see the same
// snapshot even if the backing rows change concurrently.
type projectState struct {
	guid          string
	group         store.Group
	groupFound    bool
	topic         store.Topic
	topicFound    bool
	topicResolved bool
	member        *bool
	keyValid      *bool
}

type requestScope struct {
	svc          *Service
	ident        Identity
	presentedKey string
	projects     map[string]*projectState
}

func (s *Service) newScope(ident Identity, presentedKey string) *requestScope {
	return &requestScope{
		svc:          s,
		ident:        ident,
		presentedKey: presentedKey,
		projects:     make(map[string]*projectState),
	}
}

func (rs *requestScope) project(ctx context.Context, g string) (*projectState, error) {
	if state, ok := rs.projects[g]; ok {
		return state, nil
	}
	state := &projectState{guid: g}
	group, err := rs.svc.store.GroupByName(ctx, g)
	switch {
	case err == nil:
		state.group = group
		state.groupFound = true
	case errors.Is(err, sql.ErrNoRows):
		// no group: the GUID identifies no project, which reads as public
	default:
		return nil, fmt.Errorf("resolve project group %s: %w", g, err)
	}
	rs.projects[g] = state
	return state, nil
}

// projectTopic lazily resolves the project topic (the topic whose topic_guid
// equals the project GUID).
func (rs *requestScope) projectTopic(ctx context.Context, g string) (store.Topic, bool, error) {
	state, err := rs.project(ctx, g)
	if err != nil {
		return store.Topic{}, false, err
	}
	if !state.topicResolved {
		topic, err := rs.svc.store.TopicByGUID(ctx, g)
		switch {
		case err == nil:
			state.topic = topic
			state.topicFound = true
		case errors.Is(err, sql.ErrNoRows):
		default:
			return store.Topic{}, false, fmt.Errorf("resolve project topic %s: %w", g, err)
		}
		state.topicResolved = true
	}
	return state.topic, state.topicFound, nil
}

// isPublic reports the project's public bit. A GUID with no backing group is
// public: a topic outside any project is never private.
func (rs *requestScope) isPublic(ctx context.Context, g string) (bool, error) {
	state, err := rs.project(ctx, g)
	if err != nil {
		return false, err
	}
	if !state.groupFound {
		return true, nil
	}
	return state.group.Visible, nil
}

func (rs *requestScope) isMember(ctx context.Context, g string) (bool, error) {
	if rs.ident.Staff {
		return true, nil
	}
	if rs.ident.Anonymous() {
		return false, nil
	}
	state, err := rs.project(ctx, g)
	if err != nil {
		return false, err
	}
	if state.member == nil {
		if !state.groupFound {
			member := false
			state.member = &member
		} else {
			member, err := rs.svc.store.IsGroupMember(ctx, g, rs.ident.UserID)
			if err != nil {
				return false, fmt.Errorf("check membership %s: %w", g, err)
			}
			state.member = &member
		}
	}
	return *state.member, nil
}

// canCreate implements the create/contribute rule: never anonymous, staff
// always, otherwise group membership.
func (rs *requestScope) canCreate(ctx context.Context, g string) (bool, error) {
	if rs.ident.Anonymous() {
		return false, nil
	}
	if rs.ident.Staff {
		return true, nil
	}
	return rs.isMember(ctx, g)
}

// keyValid reports whether the presented view-only key belongs to project g.
// An absent key is simply invalid here; callers distinguish "no key" from
// "wrong key" themselves.
func (rs *requestScope) keyValid(ctx context.Context, g string) (bool, error) {
	if rs.presentedKey == "" {
		return false, nil
	}
	state, err := rs.project(ctx, g)
	if err != nil {
		return false, err
	}
	if state.keyValid == nil {
		valid := state.groupFound && guid.Contains(state.group.ViewOnlyKeys, rs.presentedKey)
		state.keyValid = &valid
	}
	return *state.keyValid, nil
}

// canViewProject applies the read rule for a project root: a valid presented
// key short-circuits everything, a presented-but-invalid key denies loudly,
// otherwise public or contributor access decides.
func (rs *requestScope) canViewProject(ctx context.Context, g string) error {
	valid, err := rs.keyValid(ctx, g)
	if err != nil {
		return err
	}
	if valid {
		viewKeyAccessTotal.Inc()
		if rs.svc.sessions != nil {
			if err := rs.svc.sessions.RecordKeyAccess(ctx, g, auth.HashToken(rs.presentedKey)); err != nil {
				log.Printf("WARNING: record key access for %s: %v", g, err)
			}
		}
		return nil
	}
	if rs.presentedKey != "" {
		visibilityDeniedTotal.WithLabelValues("invalid_key").Inc()
		return errInvalidKey()
	}
	public, err := rs.isPublic(ctx, g)
	if err != nil {
		return err
	}
	if public {
		return nil
	}
	allowed, err := rs.canCreate(ctx, g)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	visibilityDeniedTotal.WithLabelValues("restricted").Inc()
	return errNotFound()
}

// canViewTopic is the full decision ladder for a single topic: no ancestry means
// no restriction, an unresolvable root is a data-integrity condition surfaced
// as NotFound, then the project read rule applies to the root ancestor.
func (rs *requestScope) canViewTopic(ctx context.Context, topic store.Topic) error {
	parents := guid.DecodeList(topic.ParentGUIDs)
	if len(parents) == 0 {
		return nil
	}
	root := parents[0]

	_, found, err := rs.projectTopic(ctx, root)
	if err != nil {
		return err
	}
	if !found {
		log.Printf("WARNING: topic %d references project %s with no project topic", topic.ID, root)
		visibilityDeniedTotal.WithLabelValues("dangling_root").Inc()
		return errNotFound()
	}

	return rs.canViewProject(ctx, root)
}

// filterViewable keeps the topics whose root ancestor the identity may see.
// Unlike canViewTopic, an invalid presented key does not fail the whole
// request here; display filtering degrades by omission.
func (rs *requestScope) filterViewable(ctx context.Context, topics []store.Topic) ([]store.Topic, error) {
	kept := make([]store.Topic, 0, len(topics))
	for _, t := range topics {
		parents := guid.DecodeList(t.ParentGUIDs)
		if len(parents) == 0 {
			kept = append(kept, t)
			continue
		}
		root := parents[0]
		public, err := rs.isPublic(ctx, root)
		if err != nil {
			return nil, err
		}
		if public {
			kept = append(kept, t)
			continue
		}
		allowed, err := rs.canCreate(ctx, root)
		if err != nil {
			return nil, err
		}
		if allowed {
			kept = append(kept, t)
			continue
		}
		valid, err := rs.keyValid(ctx, root)
		if err != nil {
			return nil, err
		}
		if valid {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

// namesAndGUIDs resolves the titles of the given ancestor GUIDs with one bulk
// fetch. GUIDs with no resolvable topic are dropped from both sequences,
// preserving order and the 1:1 name/guid correspondence.
func (s *Service) namesAndGUIDs(ctx context.Context, guids []string) ([]string, []string, error) {
	if len(guids) == 0 {
		return []string{}, []string{}, nil
	}
	topics, err := s.store.TopicsByGUIDs(ctx, guids)
	if err != nil {
		return nil, nil, err
	}
	titles := make(map[string]string, len(topics))
	for _, t := range topics {
		titles[t.TopicGUID] = t.Title
	}
	names := make([]string, 0, len(guids))
	resolved := make([]string, 0, len(guids))
	for _, g := range guids {
		title, ok := titles[g]
		if !ok {
			continue
		}
		names = append(names, title)
		resolved = append(resolved, g)
	}
	return names, resolved, nil
}

// ---- filter parsing ----

func parseFilter(raw string) (store.ListFilter, error) {
	switch store.ListFilter(raw) {
	case store.FilterLatest, store.FilterUnread, store.FilterNew, store.FilterRead,
		store.FilterPosted, store.FilterBookmarks, store.FilterTop:
		return store.ListFilter(raw), nil
	case "":
		return store.FilterLatest, nil
	default:
		return "", errValidation(fmt.Sprintf("unknown listing filter %q", raw))
	}
}

func parsePeriod(raw string) (store.TopPeriod, error) {
	switch store.TopPeriod(raw) {
	case store.PeriodDaily, store.PeriodWeekly, store.PeriodMonthly,
		store.PeriodQuarterly, store.PeriodYearly, store.PeriodAll:
		return store.TopPeriod(raw), nil
	case "":
		return store.PeriodAll, nil
	default:
		return "", errValidation(fmt.Sprintf("unknown top period %q", raw))
	}
}

const defaultNewTopicDuration = 48 * time.Hour

// ---- exported operations ----

// ResolveListing authorizes the identity against the project root and builds
// one page of the project's descendant-topic listing.
func (s *Service) ResolveListing(ctx context.Context, projectGUID, filterRaw, periodRaw string, ident Identity, presentedKey string, opts ListOptions) (*Listing, error) {
	g := guid.Normalize(projectGUID)
	if g == "" {
		return nil, errValidation("project guid is required")
	}
	filter, err := parseFilter(filterRaw)
	if err != nil {
		return nil, err
	}
	period := store.TopPeriod("")
	if filter == store.FilterTop {
		period, err = parsePeriod(periodRaw)
		if err != nil {
			return nil, err
		}
	}

	scope := s.newScope(ident, presentedKey)

	projectTopic, found, err := scope.projectTopic(ctx, g)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotFound()
	}
	if err := scope.canViewProject(ctx, g); err != nil {
		return nil, err
	}

	newCutoff := time.Now().Add(-defaultNewTopicDuration)
	if filter == store.FilterNew && !ident.Anonymous() {
		if user, err := s.store.GetUserByID(ctx, ident.UserID); err == nil && user.NewTopicDurationSecs > 0 {
			newCutoff = time.Now().Add(-time.Duration(user.NewTopicDurationSecs) * time.Second)
		}
	}

	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := opts.Page
	if page < 0 {
		page = 0
	}

	topics, err := s.store.ListProjectTopics(ctx, store.ListQuery{
		ProjectGUID: g,
		Filter:      filter,
		Period:      period,
		UserID:      ident.UserID,
		TrustLevel:  ident.TrustLevel,
		NewCutoff:   newCutoff,
		Page:        page,
		PerPage:     perPage,
	})
	if err != nil {
		return nil, fmt.Errorf("list topics for %s: %w", g, err)
	}

	// The listing-wide ancestry is the project itself plus its own chain,
	// filtered to the ancestors this identity may see.
	chain := append([]string{g}, guid.DecodeList(projectTopic.ParentGUIDs)...)
	chainTopics, err := s.store.TopicsByGUIDs(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestor chain for %s: %w", g, err)
	}
	viewableChain, err := scope.filterViewable(ctx, chainTopics)
	if err != nil {
		return nil, err
	}
	viewableGUIDs := make([]string, 0, len(viewableChain))
	for _, t := range viewableChain {
		viewableGUIDs = append(viewableGUIDs, t.TopicGUID)
	}
	parentNames, parentGUIDs, err := s.namesAndGUIDs(ctx, orderedSubset(chain, viewableGUIDs))
	if err != nil {
		return nil, fmt.Errorf("resolve ancestor names for %s: %w", g, err)
	}

	public, err := scope.isPublic(ctx, g)
	if err != nil {
		return nil, err
	}

	listing := &Listing{
		ProjectGUID:     g,
		Filter:          string(filter),
		Period:          string(period),
		Topics:          summarize(topics),
		ParentGUIDs:     parentGUIDs,
		ParentNames:     parentNames,
		ProjectIsPublic: public,
		Page:            page,
		PerPage:         perPage,
	}
	listingsServedTotal.WithLabelValues(string(filter)).Inc()
	return listing, nil
}

// ResolveTopicVisibility decides whether the identity may view one topic and
// returns its display view with the viewable ancestor chain attached.
func (s *Service) ResolveTopicVisibility(ctx context.Context, topicID int64, ident Identity, presentedKey string) (*TopicView, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get topic %d: %w", topicID, err)
	}
	if topic.DeletedAt != nil && !ident.Staff {
		return nil, errNotFound()
	}

	scope := s.newScope(ident, presentedKey)
	if err := scope.canViewTopic(ctx, topic); err != nil {
		return nil, err
	}

	chain := guid.DecodeList(topic.ParentGUIDs)
	chainTopics, err := s.store.TopicsByGUIDs(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestor chain for topic %d: %w", topicID, err)
	}
	viewableChain, err := scope.filterViewable(ctx, chainTopics)
	if err != nil {
		return nil, err
	}
	viewableGUIDs := make([]string, 0, len(viewableChain))
	for _, t := range viewableChain {
		viewableGUIDs = append(viewableGUIDs, t.TopicGUID)
	}
	parentNames, parentGUIDs, err := s.namesAndGUIDs(ctx, orderedSubset(chain, viewableGUIDs))
	if err != nil {
		return nil, fmt.Errorf("resolve ancestor names for topic %d: %w", topicID, err)
	}

	return &TopicView{
		Topic:       summarizeOne(topic),
		ParentGUIDs: parentGUIDs,
		ParentNames: parentNames,
	}, nil
}

// CreateTopic creates a topic inside a project, deriving its ancestor chain
// from the project topic. GUID assignment is a staff-only write.
func (s *Service) CreateTopic(ctx context.Context, in NewTopic, ident Identity) (*TopicView, error) {
	if ident.Anonymous() {
		return nil, errUnauthorized()
	}
	if in.Title == "" {
		return nil, errValidation("title is required")
	}

	topicGUID := guid.Normalize(in.TopicGUID)
	if topicGUID != "" && !ident.Staff {
		return nil, errForbidden()
	}

	t := store.Topic{
		Title:     in.Title,
		Archetype: store.ArchetypeRegular,
		TopicGUID: topicGUID,
	}

	projectGUID := guid.Normalize(in.ProjectGUID)
	scope := s.newScope(ident, "")
	if projectGUID != "" {
		projectTopic, found, err := scope.projectTopic(ctx, projectGUID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errNotFound()
		}
		allowed, err := scope.canCreate(ctx, projectGUID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, errForbidden()
		}
		chain := append([]string{projectGUID}, guid.DecodeList(projectTopic.ParentGUIDs)...)
		t.ParentGUIDs = guid.EncodeList(chain)
	}

	if topicGUID != "" {
		if _, err := s.store.TopicByGUID(ctx, topicGUID); err == nil {
			return nil, errValidation(fmt.Sprintf("topic guid %q is already in use", topicGUID))
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check topic guid %s: %w", topicGUID, err)
		}
	}

	id, err := s.store.InsertTopic(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	t.ID = id
	t.CreatedAt = time.Now()
	t.BumpedAt = t.CreatedAt

	return &TopicView{
		Topic:       summarizeOne(t),
		ParentGUIDs: guid.DecodeList(t.ParentGUIDs),
	}, nil
}

// CreateProject provisions the group and project topic behind a GUID.
// Staff only, since it writes GUID fields.
func (s *Service) CreateProject(ctx context.Context, rawGUID, title string, isPublic bool, ident Identity) (*TopicView, error) {
	if ident.Anonymous() {
		return nil, errUnauthorized()
	}
	if !ident.Staff {
		return nil, errForbidden()
	}
	g := guid.Normalize(rawGUID)
	if g == "" {
		return nil, errValidation("project guid is required")
	}
	if title == "" {
		return nil, errValidation("title is required")
	}

	if _, err := s.store.TopicByGUID(ctx, g); err == nil {
		return nil, errValidation(fmt.Sprintf("project guid %q is already in use", g))
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check project guid %s: %w", g, err)
	}

	if err := s.store.UpsertGroup(ctx, store.Group{
		ID:      util.NewID("g"),
		Name:    g,
		Visible: isPublic,
	}); err != nil {
		return nil, fmt.Errorf("create project group %s: %w", g, err)
	}
	s.store.InvalidateGroup(g)

	t := store.Topic{
		Title:     title,
		Archetype: store.ArchetypeRegular,
		TopicGUID: g,
	}
	id, err := s.store.InsertTopic(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create project topic %s: %w", g, err)
	}
	t.ID = id
	t.CreatedAt = time.Now()
	t.BumpedAt = t.CreatedAt

	return &TopicView{Topic: summarizeOne(t), ParentGUIDs: []string{}}, nil
}

// UpdateProject applies visibility, view-only key, and contributor changes.
// An update also recovers any soft-deleted topics under the project: update
// is the undelete path.
func (s *Service) UpdateProject(ctx context.Context, rawGUID string, update ProjectUpdate, ident Identity) error {
	if ident.Anonymous() {
		return errUnauthorized()
	}
	g := guid.Normalize(rawGUID)
	if g == "" {
		return errValidation("project guid is required")
	}

	// A definitive membership check happens anyway, so this path may
	// distinguish missing from forbidden.
	if _, err := s.store.GroupByName(ctx, g); errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	} else if err != nil {
		return fmt.Errorf("resolve project group %s: %w", g, err)
	}

	scope := s.newScope(ident, "")
	allowed, err := scope.canCreate(ctx, g)
	if err != nil {
		return err
	}
	if !allowed {
		return errForbidden()
	}

	if update.IsPublic != nil {
		if err := s.store.UpdateGroupVisibility(ctx, g, *update.IsPublic); err != nil {
			return fmt.Errorf("update visibility for %s: %w", g, err)
		}
	}
	if update.ViewOnlyKeys != nil {
		encoded := guid.EncodeList(guid.NormalizeAll(update.ViewOnlyKeys))
		if err := s.store.UpdateGroupViewOnlyKeys(ctx, g, encoded); err != nil {
			return fmt.Errorf("update view-only keys for %s: %w", g, err)
		}
	}
	if update.Contributors != nil {
		usernames := guid.NormalizeAll(update.Contributors)
		if err := s.store.ReplaceGroupMembers(ctx, g, usernames); err != nil {
			return fmt.Errorf("replace contributors for %s: %w", g, err)
		}
	}

	recovered, err := s.store.RecoverProjectTopics(ctx, g)
	if err != nil {
		return fmt.Errorf("recover topics for %s: %w", g, err)
	}
	if recovered > 0 {
		log.Printf("project %s: recovered %d soft-deleted topics on update", g, recovered)
	}

	s.store.InvalidateGroup(g)
	return nil
}

// DeleteProject soft-deletes the project topic and every descendant topic.
func (s *Service) DeleteProject(ctx context.Context, rawGUID string, ident Identity) error {
	if ident.Anonymous() {
		return errUnauthorized()
	}
	g := guid.Normalize(rawGUID)
	if g == "" {
		return errValidation("project guid is required")
	}

	if _, err := s.store.GroupByName(ctx, g); errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	} else if err != nil {
		return fmt.Errorf("resolve project group %s: %w", g, err)
	}

	scope := s.newScope(ident, "")
	allowed, err := scope.canCreate(ctx, g)
	if err != nil {
		return err
	}
	if !allowed {
		return errForbidden()
	}

	deleted, err := s.store.SoftDeleteProjectTopics(ctx, g)
	if err != nil {
		return fmt.Errorf("delete topics for %s: %w", g, err)
	}
	log.Printf("project %s: soft-deleted %d topics", g, deleted)

	s.store.InvalidateGroup(g)
	return nil
}

// Contributors lists the project's members for display. Read-authorized the
// same way a listing is; never consulted for authorization decisions.
func (s *Service) Contributors(ctx context.Context, rawGUID string, ident Identity, presentedKey string) ([]store.Contributor, error) {
	g := guid.Normalize(rawGUID)
	if g == "" {
		return nil, errValidation("project guid is required")
	}

	scope := s.newScope(ident, presentedKey)
	_, found, err := scope.projectTopic(ctx, g)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotFound()
	}
	if err := scope.canViewProject(ctx, g); err != nil {
		return nil, err
	}

	members, err := s.store.GroupMembers(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("list contributors for %s: %w", g, err)
	}
	return members, nil
}

// ---- sessions ----

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (*Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return nil, errValidation(err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (*Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return nil, errUnauthorized()
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, errUnauthorized()
	}
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return nil, errUnauthorized()
	}
	// Rotate: the old refresh token dies with this exchange.
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return nil, fmt.Errorf("rotate refresh session: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// IdentityFromToken turns a bearer token into an Identity. Any parse failure
// reads as anonymous denial at the adapter.
func (s *Service) IdentityFromToken(token string) (Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:     claims.Sub,
		Username:   claims.Name,
		Staff:      claims.Staff,
		TrustLevel: claims.Trust,
	}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (*Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Username,
		Staff: user.Staff,
		Trust: user.TrustLevel,
		JTI:   util.NewID(""),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken := util.NewID("")
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user, refreshExpiry); err != nil {
		return nil, fmt.Errorf("save refresh session: %w", err)
	}

	return &Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Username:     user.Username,
		Staff:        user.Staff,
		TrustLevel:   user.TrustLevel,
		ExpiresAt:    expiresAt,
	}, nil
}

// ---- helpers ----

func summarize(topics []store.Topic) []TopicSummary {
	out := make([]TopicSummary, 0, len(topics))
	for _, t := range topics {
		out = append(out, summarizeOne(t))
	}
	return out
}

func summarizeOne(t store.Topic) TopicSummary {
	return TopicSummary{
		ID:          t.ID,
		Title:       t.Title,
		TopicGUID:   t.TopicGUID,
		ParentGUIDs: guid.DecodeList(t.ParentGUIDs),
		Pinned:      t.Pinned,
		CreatedAt:   t.CreatedAt,
		BumpedAt:    t.BumpedAt,
	}
}

// orderedSubset returns the elements of ordered that are present in keep,
// preserving the original order.
func orderedSubset(ordered, keep []string) []string {
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	out := make([]string, 0, len(ordered))
	for _, g := range ordered {
		if _, ok := keepSet[g]; ok {
			out = append(out, g)
		}
	}
	return out
}
