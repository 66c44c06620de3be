package github

import "time"

// Repository is a discovered repo with the fields fetch planning needs
type Repository struct {
	FullName      string
	DefaultBranch string
	Private       bool
	Fork          bool
	Archived      bool
	PushedAt      time.Time
}

// Commit is one commit with author attribution resolved as far as upstream allows
// AuthorLogin is empty when the commit email maps to no account
type Commit struct {
	Repo           string
	SHA            string
	Message        string
	AuthorLogin    string
	AuthorName     string
	AuthorEmail    string
	AuthoredAt     time.Time
	CommitterName  string
	CommitterEmail string
	CommittedAt    time.Time
	URL            string
}

// restRepo mirrors the REST repository payload
type restRepo struct {
	FullName      string    `json:"full_name"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	Fork          bool      `json:"fork"`
	Archived      bool      `json:"archived"`
	PushedAt      time.Time `json:"pushed_at"`
}

func (r restRepo) toRepository() Repository {
	return Repository{
		FullName:      r.FullName,
		DefaultBranch: r.DefaultBranch,
		Private:       r.Private,
		Fork:          r.Fork,
		Archived:      r.Archived,
		PushedAt:      r.PushedAt,
	}
}

// restCommit mirrors the REST commit payload
type restCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
		Committer struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
}

func (c restCommit) toCommit(repo string) Commit {
	out := Commit{
		Repo:           repo,
		SHA:            c.SHA,
		Message:        c.Commit.Message,
		AuthorName:     c.Commit.Author.Name,
		AuthorEmail:    c.Commit.Author.Email,
		AuthoredAt:     c.Commit.Author.Date,
		CommitterName:  c.Commit.Committer.Name,
		CommitterEmail: c.Commit.Committer.Email,
		CommittedAt:    c.Commit.Committer.Date,
		URL:            c.HTMLURL,
	}
	if c.Author != nil {
		out.AuthorLogin = c.Author.Login
	}
	return out
}

// gqlCommit mirrors a GraphQL history node
type gqlCommit struct {
	Oid           string    `json:"oid"`
	Message       string    `json:"message"`
	URL           string    `json:"url"`
	AuthoredDate  time.Time `json:"authoredDate"`
	CommittedDate time.Time `json:"committedDate"`
	Author        struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		User  *struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"author"`
	Committer struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"committer"`
}

func (c gqlCommit) toCommit(repo string) Commit {
	out := Commit{
		Repo:           repo,
		SHA:            c.Oid,
		Message:        c.Message,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		AuthoredAt:     c.AuthoredDate,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		CommittedAt:    c.CommittedDate,
		URL:            c.URL,
	}
	if c.Author.User != nil {
		out.AuthorLogin = c.Author.User.Login
	}
	return out
}
