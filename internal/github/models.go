package github

import "time"

// AccountType distinguishes users from organizations.
type AccountType string

const (
	AccountUser         AccountType = "User"
	AccountOrganization AccountType = "Organization"
)

type Account struct {
	ID    int64       `json:"id"`
	Login string      `json:"login"`
	Type  AccountType `json:"type"`
	Name  string      `json:"name,omitempty"`
	Email string      `json:"email,omitempty"`
}

type Permissions struct {
	Admin bool `json:"admin"`
	Push  bool `json:"push"`
	Pull  bool `json:"pull"`
}

type Repository struct {
	ID          int64       `json:"id"`
	Owner       Account     `json:"owner"`
	Name        string      `json:"name"`
	FullName    string      `json:"full_name"`
	Private     bool        `json:"private"`
	HasIssues   bool        `json:"has_issues"`
	Permissions Permissions `json:"permissions"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type Label struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Milestone struct {
	ID          int64      `json:"id"`
	Number      int        `json:"number"`
	State       string     `json:"state"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	DueOn       *time.Time `json:"due_on,omitempty"`
}

// ReactionSummary is the per-content reaction rollup embedded in issues and
// comments.
type ReactionSummary struct {
	TotalCount int `json:"total_count"`
	PlusOne    int `json:"+1"`
	MinusOne   int `json:"-1"`
	Laugh      int `json:"laugh"`
	Confused   int `json:"confused"`
	Heart      int `json:"heart"`
	Hooray     int `json:"hooray"`
}

type Issue struct {
	ID          int64            `json:"id"`
	Number      int              `json:"number"`
	State       string           `json:"state"`
	Title       string           `json:"title"`
	Body        string           `json:"body,omitempty"`
	User        *Account         `json:"user"`
	Assignee    *Account         `json:"assignee,omitempty"`
	Assignees   []Account        `json:"assignees,omitempty"`
	ClosedBy    *Account         `json:"closed_by,omitempty"`
	Milestone   *Milestone       `json:"milestone,omitempty"`
	Labels      []Label          `json:"labels,omitempty"`
	Locked      bool             `json:"locked"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	Reactions   *ReactionSummary `json:"reactions,omitempty"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
}

type Comment struct {
	ID        int64            `json:"id"`
	IssueURL  string           `json:"issue_url"`
	Body      string           `json:"body"`
	User      *Account         `json:"user"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Reactions *ReactionSummary `json:"reactions,omitempty"`
}

// IssueEvent is an entry of the repository issue event feed. Timeline style
// entries (cross references, commits) arrive without an ID.
type IssueEvent struct {
	ID        int64        `json:"id"`
	Event     string       `json:"event"`
	Actor     *Account     `json:"actor,omitempty"`
	Assignee  *Account     `json:"assignee,omitempty"`
	Assigner  *Account     `json:"assigner,omitempty"`
	CommitID  string       `json:"commit_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Issue     *Issue       `json:"issue,omitempty"`
	Source    *EventSource `json:"source,omitempty"`
	Label     *Label       `json:"label,omitempty"`
}

type EventSource struct {
	Type      string   `json:"type"`
	CommentID int64    `json:"comment_id,omitempty"`
	Actor     *Account `json:"actor,omitempty"`
	IssueURL  string   `json:"issue_url,omitempty"`
}

type Reaction struct {
	ID        int64     `json:"id"`
	User      *Account  `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Project struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Name      string    `json:"name"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state,omitempty"`
	Creator   *Account  `json:"creator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type WebhookConfiguration struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Secret      string `json:"secret,omitempty"`
	InsecureSSL string `json:"insecure_ssl,omitempty"`
}

type Webhook struct {
	ID        int64                `json:"id,omitempty"`
	Name      string               `json:"name"`
	Active    bool                 `json:"active"`
	Events    []string             `json:"events"`
	Config    WebhookConfiguration `json:"config"`
	CreatedAt time.Time            `json:"created_at,omitzero"`
	UpdatedAt time.Time            `json:"updated_at,omitzero"`
}
