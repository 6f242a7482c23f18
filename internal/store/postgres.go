package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InvalidateGroup is a no-op on the uncached store; CachedStore overrides it.
func (s *PostgresStore) InvalidateGroup(string) {}

// ---- users ----

const userColumns = `id, username, display_name, email, password_hash, staff, trust_level, avatar_ref, new_topic_duration_secs, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.PasswordHash, &u.Staff,
		&u.TrustLevel, &u.AvatarRef, &u.NewTopicDurationSecs, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, email, password_hash, staff, trust_level, avatar_ref, new_topic_duration_secs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.Username, user.DisplayName, user.Email, user.PasswordHash, user.Staff,
		user.TrustLevel, user.AvatarRef, user.NewTopicDurationSecs)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// ---- groups / project membership ----

func (s *PostgresStore) GroupByName(ctx context.Context, name string) (Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, visible, view_only_keys, created_at, updated_at
		FROM groups
		WHERE name=$1
	`, name).Scan(&g.ID, &g.Name, &g.Visible, &g.ViewOnlyKeys, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *PostgresStore) UpsertGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, visible, view_only_keys)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET visible=EXCLUDED.visible, view_only_keys=EXCLUDED.view_only_keys, updated_at=NOW()
	`, g.ID, g.Name, g.Visible, g.ViewOnlyKeys)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateGroupVisibility(ctx context.Context, name string, visible bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET visible=$2, updated_at=NOW() WHERE name=$1`, name, visible)
	if err != nil {
		return fmt.Errorf("update group visibility: %w", err)
	}
	return requireRowAffected(res, "group "+name)
}

func (s *PostgresStore) UpdateGroupViewOnlyKeys(ctx context.Context, name, encodedKeys string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET view_only_keys=$2, updated_at=NOW() WHERE name=$1`, name, encodedKeys)
	if err != nil {
		return fmt.Errorf("update group view-only keys: %w", err)
	}
	return requireRowAffected(res, "group "+name)
}

func (s *PostgresStore) IsGroupMember(ctx context.Context, groupName, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM group_users gu
			JOIN groups g ON g.id = gu.group_id
			WHERE g.name=$1 AND gu.user_id=$2
		)
	`, groupName, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check group membership: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) GroupMembers(ctx context.Context, groupName string) ([]Contributor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, u.display_name, u.avatar_ref
		FROM group_users gu
		JOIN groups g ON g.id = gu.group_id
		JOIN users u ON u.id = gu.user_id
		WHERE g.name=$1
		ORDER BY u.username
	`, groupName)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	members := make([]Contributor, 0)
	for rows.Next() {
		var c Contributor
		if err := rows.Scan(&c.Username, &c.DisplayName, &c.AvatarRef); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return members, nil
}

// ReplaceGroupMembers swaps the member set of a group for the users named in
// usernames. Unknown usernames are skipped rather than failing the whole
// update.
func (s *PostgresStore) ReplaceGroupMembers(ctx context.Context, groupName string, usernames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace members: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var groupID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM groups WHERE name=$1`, groupName).Scan(&groupID); err != nil {
		return fmt.Errorf("find group %s: %w", groupName, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_users WHERE group_id=$1`, groupID); err != nil {
		return fmt.Errorf("clear group members: %w", err)
	}

	for _, username := range usernames {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_users (group_id, user_id)
			SELECT $1, id FROM users WHERE username=$2
			ON CONFLICT DO NOTHING
		`, groupID, username); err != nil {
			return fmt.Errorf("add group member %s: %w", username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace members: %w", err)
	}
	return nil
}

// ---- topics / hierarchy index ----

const topicColumns = `id, title, archetype, COALESCE(topic_guid, ''), parent_guids, pinned, highest_post_number, created_at, bumped_at, deleted_at`

const topicColumnsT = `t.id, t.title, t.archetype, COALESCE(t.topic_guid, ''), t.parent_guids, t.pinned, t.highest_post_number, t.created_at, t.bumped_at, t.deleted_at`

func scanTopic(scanner interface{ Scan(...any) error }) (Topic, error) {
	var t Topic
	err := scanner.Scan(&t.ID, &t.Title, &t.Archetype, &t.TopicGUID, &t.ParentGUIDs,
		&t.Pinned, &t.HighestPostNumber, &t.CreatedAt, &t.BumpedAt, &t.DeletedAt)
	return t, err
}

func (s *PostgresStore) GetTopic(ctx context.Context, topicID int64) (Topic, error) {
	return scanTopic(s.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topics WHERE id=$1`, topicID))
}

// TopicsByGUIDs bulk-fetches non-deleted topics whose topic_guid is in guids,
// in one query. The result is de-duplicated by topic_guid, first occurrence
// (oldest id) winning; the uniqueness invariant should prevent duplicates, but
// the lookup tolerates them.
func (s *PostgresStore) TopicsByGUIDs(ctx context.Context, guids []string) ([]Topic, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(guids))
	args := make([]any, len(guids))
	for i, g := range guids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = g
	}
	query := `SELECT ` + topicColumns + ` FROM topics
		WHERE deleted_at IS NULL AND topic_guid IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("topics by guids: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{}, len(guids))
	topics := make([]Topic, 0, len(guids))
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		if _, dup := seen[t.TopicGUID]; dup {
			continue
		}
		seen[t.TopicGUID] = struct{}{}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return topics, nil
}

// TopicByGUID is the single-result form of TopicsByGUIDs.
func (s *PostgresStore) TopicByGUID(ctx context.Context, g string) (Topic, error) {
	topics, err := s.TopicsByGUIDs(ctx, []string{g})
	if err != nil {
		return Topic{}, err
	}
	if len(topics) == 0 {
		return Topic{}, sql.ErrNoRows
	}
	return topics[0], nil
}

func (s *PostgresStore) InsertTopic(ctx context.Context, t Topic) (int64, error) {
	var guid any
	if t.TopicGUID != "" {
		guid = t.TopicGUID
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO topics (title, archetype, topic_guid, parent_guids, highest_post_number, bumped_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		RETURNING id
	`, t.Title, t.Archetype, guid, t.ParentGUIDs).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert topic: %w", err)
	}
	return id, nil
}

// SoftDeleteProjectTopics marks the project topic and every descendant topic
// deleted. Returns the number of topics affected.
func (s *PostgresStore) SoftDeleteProjectTopics(ctx context.Context, projectGUID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE topics SET deleted_at=NOW()
		WHERE deleted_at IS NULL
		  AND (topic_guid=$1 OR parent_guids LIKE '%-' || $1 || '-%')
	`, projectGUID)
	if err != nil {
		return 0, fmt.Errorf("soft delete project topics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("soft delete rows affected: %w", err)
	}
	return n, nil
}

// RecoverProjectTopics reverses SoftDeleteProjectTopics. Idempotent.
func (s *PostgresStore) RecoverProjectTopics(ctx context.Context, projectGUID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE topics SET deleted_at=NULL
		WHERE deleted_at IS NOT NULL
		  AND (topic_guid=$1 OR parent_guids LIKE '%-' || $1 || '-%')
	`, projectGUID)
	if err != nil {
		return 0, fmt.Errorf("recover project topics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover rows affected: %w", err)
	}
	return n, nil
}

// ---- project listing query ----

// ListFilter selects the per-user filtering and ordering applied to a project
// listing. The set is closed; ListProjectTopics fails on anything else.
type ListFilter string

const (
	FilterLatest    ListFilter = "latest"
	FilterUnread    ListFilter = "unread"
	FilterNew       ListFilter = "new"
	FilterRead      ListFilter = "read"
	FilterPosted    ListFilter = "posted"
	FilterBookmarks ListFilter = "bookmarks"
	FilterTop       ListFilter = "top"
)

type TopPeriod string

const (
	PeriodDaily     TopPeriod = "daily"
	PeriodWeekly    TopPeriod = "weekly"
	PeriodMonthly   TopPeriod = "monthly"
	PeriodQuarterly TopPeriod = "quarterly"
	PeriodYearly    TopPeriod = "yearly"
	PeriodAll       TopPeriod = "all"
)

// ListQuery carries everything ListProjectTopics needs to build one page of a
// project-scoped listing. UserID is empty for anonymous requests.
type ListQuery struct {
	ProjectGUID string
	Filter      ListFilter
	Period      TopPeriod
	UserID      string
	TrustLevel  int
	NewCutoff   time.Time
	Page        int
	PerPage     int
}

// ListProjectTopics returns one ordered page of non-deleted, regular-archetype
// topics that have q.ProjectGUID anywhere in their ancestor chain. Dispatch
// over the filter kinds is an explicit switch so an unknown filter is a hard
// error rather than a silent empty page.
func (s *PostgresStore) ListProjectTopics(ctx context.Context, q ListQuery) ([]Topic, error) {
	base := `
		FROM topics t
		WHERE t.deleted_at IS NULL
		  AND t.archetype = '` + ArchetypeRegular + `'
		  AND t.parent_guids LIKE '%-' || $1 || '-%'`

	var (
		query string
		args  []any
	)

	switch q.Filter {
	case FilterLatest:
		query = `SELECT ` + topicColumnsT + base + `
			AND NOT EXISTS (
				SELECT 1 FROM topic_users tu
				WHERE tu.topic_id = t.id AND tu.user_id = $2 AND tu.notification_level = $3
			)
			ORDER BY t.bumped_at DESC`
		args = []any{q.ProjectGUID, nullIfEmpty(q.UserID), NotificationMuted}

	case FilterUnread:
		query = `SELECT ` + topicColumnsT + base + `
			AND EXISTS (
				SELECT 1 FROM topic_users tu
				WHERE tu.topic_id = t.id AND tu.user_id = $2
				  AND tu.first_visited_at IS NOT NULL
				  AND tu.last_read_post_number < t.highest_post_number
			)
			ORDER BY t.bumped_at DESC`
		args = []any{q.ProjectGUID, nullIfEmpty(q.UserID)}

	case FilterNew:
		query = `SELECT ` + topicColumnsT + base + `
			AND t.created_at >= $3
			AND NOT EXISTS (
				SELECT 1 FROM topic_users tu
				WHERE tu.topic_id = t.id AND tu.user_id = $2 AND tu.first_visited_at IS NOT NULL
			)
			ORDER BY t.created_at DESC`
		args = []any{q.ProjectGUID, nullIfEmpty(q.UserID), q.NewCutoff}

	case FilterRead:
		query = `SELECT ` + topicColumnsT + base + `
			AND EXISTS (
				SELECT 1 FROM topic_users tu
				WHERE tu.topic_id = t.id AND tu.user_id = $2 AND tu.first_visited_at IS NOT NULL
			)
			ORDER BY COALESCE((
				SELECT tu.last_visited_at FROM topic_users tu
				WHERE tu.topic_id = t.id AND tu.user_id = $2
			), t.bumped_at) DESC`
		args = []any{q.ProjectGUID, nullIfEmpty(q.UserID)}

	case FilterPosted:
		query = `SELECT ` + topicColumnsT + base + `
			AND EXISTS (
				SELECT 1 FROM topic_users tu
				WHERE tu.topic_id = t.id AND tu.user_id = $2 AND tu.posted
			)
			ORDER BY t.bumped_at DESC`
		args = []any{q.ProjectGUID, nullIfEmpty(q.UserID)}

	case FilterBookmarks:
		query = `SELECT ` + topicColumnsT + base + `
			AND EXISTS (
				SELECT 1 FROM topic_users tu
				WHERE tu.topic_id = t.id AND tu.user_id = $2 AND tu.bookmarked
			)
			ORDER BY t.bumped_at DESC`
		args = []any{q.ProjectGUID, nullIfEmpty(q.UserID)}

	case FilterTop:
		period := q.Period
		if period == "" {
			period = PeriodAll
		}
		order := `ORDER BY ts.score DESC, t.bumped_at DESC`
		// Pinned topics float for new users browsing the yearly board.
		if period == PeriodYearly && q.TrustLevel == 0 {
			order = `ORDER BY t.pinned DESC, ts.score DESC, t.bumped_at DESC`
		}
		query = `SELECT ` + topicColumnsT + `
			FROM topics t
			JOIN topic_top_scores ts ON ts.topic_id = t.id AND ts.period = $2
			WHERE t.deleted_at IS NULL
			  AND t.archetype = '` + ArchetypeRegular + `'
			  AND t.parent_guids LIKE '%-' || $1 || '-%'
			  AND ts.score > 0
			` + order
		args = []any{q.ProjectGUID, string(period)}

	default:
		return nil, fmt.Errorf("unknown listing filter %q", q.Filter)
	}

	perPage := q.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := q.Page
	if page < 0 {
		page = 0
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", perPage, page*perPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list project topics (%s): %w", q.Filter, err)
	}
	defer rows.Close()

	topics := make([]Topic, 0, perPage)
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listed topic: %w", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listed topics: %w", err)
	}
	return topics, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRowAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, sql.ErrNoRows)
	}
	return nil
}
