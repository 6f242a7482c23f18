package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Exercises the listing SQL against a real database. Skipped unless
// PROJECTHUB_TEST_DATABASE_URL is set.
func TestListProjectTopicsPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("PROJECTHUB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PROJECTHUB_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)

	mustCreateUser := func(id, username string) {
		t.Helper()
		if err := s.CreateUser(ctx, User{ID: id, Username: username}); err != nil {
			t.Fatalf("create user %s: %v", username, err)
		}
	}
	mustInsertTopic := func(topic Topic) int64 {
		t.Helper()
		id, err := s.InsertTopic(ctx, topic)
		if err != nil {
			t.Fatalf("insert topic %q: %v", topic.Title, err)
		}
		return id
	}
	mustExec := func(query string, args ...any) {
		t.Helper()
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			t.Fatalf("exec %q: %v", query, err)
		}
	}
	listIDs := func(q ListQuery) map[int64]bool {
		t.Helper()
		topics, err := s.ListProjectTopics(ctx, q)
		if err != nil {
			t.Fatalf("list (%s): %v", q.Filter, err)
		}
		ids := make(map[int64]bool, len(topics))
		for _, topic := range topics {
			ids[topic.ID] = true
		}
		return ids
	}

	mustCreateUser("u_reader", "reader")
	mustCreateUser("u_muter", "muter")
	mustCreateUser("u_marker", "marker")

	projectID := mustInsertTopic(Topic{Title: "Project One", Archetype: ArchetypeRegular, TopicGUID: "p1"})
	directID := mustInsertTopic(Topic{Title: "Direct", Archetype: ArchetypeRegular, ParentGUIDs: "-p1-"})
	nestedID := mustInsertTopic(Topic{Title: "Nested", Archetype: ArchetypeRegular, ParentGUIDs: "-child-p1-"})
	otherID := mustInsertTopic(Topic{Title: "Elsewhere", Archetype: ArchetypeRegular, ParentGUIDs: "-other-"})
	pmID := mustInsertTopic(Topic{Title: "Whisper", Archetype: ArchetypePrivateMessage, ParentGUIDs: "-p1-"})

	t.Run("latest includes descendants and excludes other projects", func(t *testing.T) {
		ids := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterLatest})
		if !ids[directID] || !ids[nestedID] {
			t.Errorf("expected direct and nested topics, got %v", ids)
		}
		if ids[otherID] || ids[pmID] || ids[projectID] {
			t.Errorf("unexpected topics in listing: %v", ids)
		}
	})

	t.Run("latest excludes muted for the requesting user", func(t *testing.T) {
		mustExec(`INSERT INTO topic_users (topic_id, user_id, notification_level) VALUES ($1, 'u_muter', $2)`,
			directID, NotificationMuted)

		ids := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterLatest, UserID: "u_muter"})
		if ids[directID] {
			t.Error("muted topic listed")
		}
		if !ids[nestedID] {
			t.Error("unmuted topic missing")
		}

		anon := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterLatest})
		if !anon[directID] {
			t.Error("mute leaked into the anonymous listing")
		}
	})

	t.Run("unread and read track per-user visit state", func(t *testing.T) {
		mustExec(`UPDATE topics SET highest_post_number = 5 WHERE id = $1`, directID)
		mustExec(`INSERT INTO topic_users (topic_id, user_id, last_read_post_number, first_visited_at, last_visited_at)
			VALUES ($1, 'u_reader', 2, NOW(), NOW())`, directID)

		unread := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterUnread, UserID: "u_reader"})
		if !unread[directID] || unread[nestedID] {
			t.Errorf("unread = %v", unread)
		}

		read := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterRead, UserID: "u_reader"})
		if !read[directID] || read[nestedID] {
			t.Errorf("read = %v", read)
		}
	})

	t.Run("new excludes visited topics", func(t *testing.T) {
		q := ListQuery{ProjectGUID: "p1", Filter: FilterNew, UserID: "u_reader", NewCutoff: time.Now().Add(-time.Hour)}
		ids := listIDs(q)
		if ids[directID] {
			t.Error("visited topic counted as new")
		}
		if !ids[nestedID] {
			t.Error("unvisited topic missing from new")
		}
	})

	t.Run("posted and bookmarks", func(t *testing.T) {
		mustExec(`INSERT INTO topic_users (topic_id, user_id, posted, bookmarked) VALUES ($1, 'u_marker', TRUE, TRUE)`,
			nestedID)

		posted := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterPosted, UserID: "u_marker"})
		if !posted[nestedID] || posted[directID] {
			t.Errorf("posted = %v", posted)
		}
		bookmarks := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterBookmarks, UserID: "u_marker"})
		if !bookmarks[nestedID] || bookmarks[directID] {
			t.Errorf("bookmarks = %v", bookmarks)
		}
	})

	t.Run("top requires a positive period score", func(t *testing.T) {
		mustExec(`INSERT INTO topic_top_scores (topic_id, period, score) VALUES ($1, 'all', 4.2), ($2, 'all', 0)`,
			directID, nestedID)

		ids := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterTop, Period: PeriodAll})
		if !ids[directID] || ids[nestedID] {
			t.Errorf("top = %v", ids)
		}
	})

	t.Run("soft delete and recover cover the whole subtree", func(t *testing.T) {
		deleted, err := s.SoftDeleteProjectTopics(ctx, "p1")
		if err != nil {
			t.Fatalf("soft delete: %v", err)
		}
		// project topic, direct, nested, and the private message all match
		if deleted != 4 {
			t.Errorf("deleted %d topics, want 4", deleted)
		}
		if ids := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterLatest}); len(ids) != 0 {
			t.Errorf("deleted topics still listed: %v", ids)
		}

		recovered, err := s.RecoverProjectTopics(ctx, "p1")
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if recovered != deleted {
			t.Errorf("recovered %d topics, want %d", recovered, deleted)
		}
		if ids := listIDs(ListQuery{ProjectGUID: "p1", Filter: FilterLatest}); !ids[directID] {
			t.Error("recovered topic missing from listing")
		}
	})
}
