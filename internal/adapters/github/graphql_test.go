package github

import (
	"context"
	"strings"
	"testing"
	"time"
)

func gqlPage(commits string, hasNext bool, cursor string) string {
	next := "false"
	if hasNext {
		next = "true"
	}
	return `{"defaultBranchRef":{"target":{"history":{` +
		`"pageInfo":{"hasNextPage":` + next + `,"endCursor":"` + cursor + `"},` +
		`"nodes":[` + commits + `]}}}}`
}

func TestBatchCommitsFollowsCursors(t *testing.T) {
	t.Parallel()

	first := `{"oid":"aaa","message":"one","url":"https://github.com/acme/widgets/commit/aaa",` +
		`"authoredDate":"2024-01-01T09:00:00Z","committedDate":"2024-01-02T10:00:00Z",` +
		`"author":{"name":"Alice","email":"a@x","user":{"login":"alice"}},` +
		`"committer":{"name":"Bot","email":"bot@x"}}`
	second := `{"oid":"bbb","message":"two","committedDate":"2024-01-03T10:00:00Z",` +
		`"author":{"name":"Alice","email":"a@x","user":null}}`

	fr := &fakeRunner{}
	fr.handle = func(call int, args []string) ([]byte, []byte, error) {
		switch call {
		case 0:
			query := args[len(args)-1]
			for _, want := range []string{"authoredDate", "committedDate", "url", "committer { name email }"} {
				if !strings.Contains(query, want) {
					t.Errorf("history selection missing %q: %s", want, query)
				}
			}
			return []byte(`{"data":{"r0":` + gqlPage(first, true, "CUR1") + `}}`), nil, nil
		case 1:
			query := args[len(args)-1]
			if !strings.Contains(query, `after: "CUR1"`) {
				t.Errorf("second page should carry the cursor: %s", query)
			}
			return []byte(`{"data":{"r0":` + gqlPage(second, false, "") + `}}`), nil, nil
		}
		t.Fatalf("unexpected call %d", call)
		return nil, nil, nil
	}

	c := newTestClient(t, fr)
	got, err := c.BatchCommits(context.Background(), BatchQuery{
		Repos: []string{"acme/widgets"},
		Since: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	commits := got["acme/widgets"]
	if len(commits) != 2 || commits[0].SHA != "aaa" || commits[1].SHA != "bbb" {
		t.Fatalf("commits = %+v", commits)
	}
	if commits[0].AuthorLogin != "alice" || commits[1].AuthorLogin != "" {
		t.Fatalf("author attribution wrong: %+v", commits)
	}
	if commits[0].CommitterName != "Bot" || commits[0].CommitterEmail != "bot@x" {
		t.Fatalf("committer mapping wrong: %+v", commits[0])
	}
	if !commits[0].AuthoredAt.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)) ||
		!commits[0].CommittedAt.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("dates wrong: %+v", commits[0])
	}
	if commits[0].URL != "https://github.com/acme/widgets/commit/aaa" {
		t.Fatalf("URL = %q", commits[0].URL)
	}
}

func TestBatchCommitsAliasesAndAuthorFilter(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = func(_ int, args []string) ([]byte, []byte, error) {
		query := args[len(args)-1]
		for _, want := range []string{"r0:", "r1:", `owner: "acme"`, `name: "gears"`, `author: {id: "NODE1"}`} {
			if !strings.Contains(query, want) {
				t.Errorf("query missing %q", want)
			}
		}
		return []byte(`{"data":{"r0":null,"r1":null}}`), nil, nil
	}

	c := newTestClient(t, fr)
	_, err := c.BatchCommits(context.Background(), BatchQuery{
		Repos:    []string{"acme/widgets", "acme/gears"},
		Since:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Until:    time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		AuthorID: "NODE1",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBatchCommitsEmptyRepoSkipped(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = func(int, []string) ([]byte, []byte, error) {
		return []byte(`{"data":{"r0":{"defaultBranchRef":null}}}`), nil, nil
	}

	c := newTestClient(t, fr)
	got, err := c.BatchCommits(context.Background(), BatchQuery{Repos: []string{"acme/empty"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got["acme/empty"]) != 0 {
		t.Fatalf("empty repo should have no commits: %+v", got)
	}
}

func TestResolveUserID(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = func(_ int, args []string) ([]byte, []byte, error) {
		if args[1] != "users/alice" {
			t.Errorf("unexpected path %q", args[1])
		}
		return []byte(`{"node_id":"NODE1"}`), nil, nil
	}
	c := newTestClient(t, fr)
	id, err := c.ResolveUserID(context.Background(), "alice")
	if err != nil || id != "NODE1" {
		t.Fatalf("ResolveUserID = %q, %v", id, err)
	}
}
