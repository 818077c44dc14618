package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/exsilium/shiphub-server/internal/changes"
	"github.com/exsilium/shiphub-server/internal/github"
)

func upsertRepositories(ctx context.Context, tx *sql.Tx, repos []github.Repository) (changes.Summary, error) {
	owners := make([]github.Account, 0, len(repos))
	for _, repo := range repos {
		owners = append(owners, repo.Owner)
	}
	summary, err := upsertAccounts(ctx, tx, owners)
	if err != nil {
		return changes.Empty, err
	}
	for _, repo := range repos {
		changed, err := execChanged(ctx, tx,
			`INSERT INTO repositories(id, owner_id, name, full_name, private, has_issues, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name,
				full_name = excluded.full_name, private = excluded.private,
				has_issues = excluded.has_issues, updated_at = excluded.updated_at
			 WHERE (repositories.owner_id, repositories.name, repositories.full_name,
					repositories.private, repositories.has_issues, repositories.updated_at)
				IS NOT (excluded.owner_id, excluded.name, excluded.full_name,
					excluded.private, excluded.has_issues, excluded.updated_at)`,
			repo.ID, repo.Owner.ID, repo.Name, repo.FullName, repo.Private, repo.HasIssues, formatTime(repo.UpdatedAt))
		if err != nil {
			return changes.Empty, fmt.Errorf("upsert repository %d: %w", repo.ID, err)
		}
		if changed {
			summary.Add(changes.Repositories, repo.ID)
		}
	}
	return summary, nil
}

// SetAccountRepositories stores repos and replaces the set accountID can see.
func (s *Store) SetAccountRepositories(ctx context.Context, accountID int64, repos []github.Repository) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		upserted, err := upsertRepositories(ctx, tx, repos)
		if err != nil {
			return err
		}
		summary.UnionWith(upserted)

		current, err := queryIDs(ctx, tx,
			`SELECT repository_id FROM account_repositories WHERE account_id = ?`, accountID)
		if err != nil {
			return fmt.Errorf("load account repositories: %w", err)
		}
		wanted := make(map[int64]bool, len(repos))
		for _, repo := range repos {
			wanted[repo.ID] = true
			changed, err := execChanged(ctx, tx,
				`INSERT INTO account_repositories(account_id, repository_id, admin, push) VALUES(?, ?, ?, ?)
				 ON CONFLICT(account_id, repository_id) DO UPDATE SET admin = excluded.admin, push = excluded.push
				 WHERE (account_repositories.admin, account_repositories.push) IS NOT (excluded.admin, excluded.push)`,
				accountID, repo.ID, repo.Permissions.Admin, repo.Permissions.Push)
			if err != nil {
				return fmt.Errorf("link repository %d: %w", repo.ID, err)
			}
			if changed {
				summary.Add(changes.Accounts, accountID)
				summary.Add(changes.Repositories, repo.ID)
			}
		}
		for repoID := range current {
			if wanted[repoID] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM account_repositories WHERE account_id = ? AND repository_id = ?`,
				accountID, repoID); err != nil {
				return fmt.Errorf("unlink repository %d: %w", repoID, err)
			}
			summary.Add(changes.Accounts, accountID)
			summary.Add(changes.Repositories, repoID)
		}
		return nil
	})
	return summary, err
}

// AccountRepositories lists the repositories linked to accountID that have
// issues enabled.
func (s *Store) AccountRepositories(ctx context.Context, accountID int64) ([]github.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.full_name, r.private, r.has_issues, o.id, o.login, COALESCE(o.type, ''),
			ar.admin, ar.push
		 FROM account_repositories ar
		 JOIN repositories r ON r.id = ar.repository_id
		 JOIN accounts o ON o.id = r.owner_id
		 WHERE ar.account_id = ? AND r.has_issues = 1
		 ORDER BY r.id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list account repositories: %w", err)
	}
	defer rows.Close()
	var repos []github.Repository
	for rows.Next() {
		var (
			repo      github.Repository
			ownerType string
		)
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.FullName, &repo.Private, &repo.HasIssues,
			&repo.Owner.ID, &repo.Owner.Login, &ownerType,
			&repo.Permissions.Admin, &repo.Permissions.Push); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repo.Owner.Type = github.AccountType(ownerType)
		repo.Permissions.Pull = true
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter repositories: %w", err)
	}
	return repos, nil
}

func upsertLabels(ctx context.Context, tx *sql.Tx, repoID int64, labels []github.Label) (changes.Summary, error) {
	var summary changes.Summary
	for _, label := range labels {
		changed, err := execChanged(ctx, tx,
			`INSERT INTO labels(id, repository_id, name, color) VALUES(?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET repository_id = excluded.repository_id,
				name = excluded.name, color = excluded.color
			 WHERE (labels.repository_id, labels.name, labels.color)
				IS NOT (excluded.repository_id, excluded.name, excluded.color)`,
			label.ID, repoID, label.Name, nullIfEmpty(label.Color))
		if err != nil {
			return changes.Empty, fmt.Errorf("upsert label %d: %w", label.ID, err)
		}
		if changed {
			summary.Add(changes.Labels, label.ID)
		}
	}
	return summary, nil
}

// UpsertLabels stores a repository's labels.
func (s *Store) UpsertLabels(ctx context.Context, repoID int64, labels []github.Label) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		summary, err = upsertLabels(ctx, tx, repoID, labels)
		return err
	})
	return summary, err
}

func upsertMilestones(ctx context.Context, tx *sql.Tx, repoID int64, milestones []github.Milestone) (changes.Summary, error) {
	var summary changes.Summary
	for _, m := range milestones {
		changed, err := execChanged(ctx, tx,
			`INSERT INTO milestones(id, repository_id, number, state, title, description, created_at, updated_at, closed_at, due_on)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET repository_id = excluded.repository_id, number = excluded.number,
				state = excluded.state, title = excluded.title, description = excluded.description,
				created_at = excluded.created_at, updated_at = excluded.updated_at,
				closed_at = excluded.closed_at, due_on = excluded.due_on
			 WHERE (milestones.state, milestones.title, milestones.description, milestones.updated_at,
					milestones.closed_at, milestones.due_on)
				IS NOT (excluded.state, excluded.title, excluded.description, excluded.updated_at,
					excluded.closed_at, excluded.due_on)`,
			m.ID, repoID, m.Number, m.State, m.Title, nullIfEmpty(m.Description),
			formatTime(m.CreatedAt), formatTime(m.UpdatedAt), formatTimePtr(m.ClosedAt), formatTimePtr(m.DueOn))
		if err != nil {
			return changes.Empty, fmt.Errorf("upsert milestone %d: %w", m.ID, err)
		}
		if changed {
			summary.Add(changes.Milestones, m.ID)
		}
	}
	return summary, nil
}

// UpsertMilestones stores a repository's milestones.
func (s *Store) UpsertMilestones(ctx context.Context, repoID int64, milestones []github.Milestone) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		summary, err = upsertMilestones(ctx, tx, repoID, milestones)
		return err
	})
	return summary, err
}

// UpsertIssues stores issues along with the accounts, labels and milestones
// they embed.
func (s *Store) UpsertIssues(ctx context.Context, repoID int64, issues []github.Issue) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			accounts   []github.Account
			labels     []github.Label
			milestones []github.Milestone
		)
		for _, issue := range issues {
			for _, ref := range []*github.Account{issue.User, issue.Assignee, issue.ClosedBy} {
				if ref != nil {
					accounts = append(accounts, *ref)
				}
			}
			accounts = append(accounts, issue.Assignees...)
			labels = append(labels, issue.Labels...)
			if issue.Milestone != nil {
				milestones = append(milestones, *issue.Milestone)
			}
		}
		for _, step := range []func() (changes.Summary, error){
			func() (changes.Summary, error) { return upsertAccounts(ctx, tx, accounts) },
			func() (changes.Summary, error) { return upsertLabels(ctx, tx, repoID, labels) },
			func() (changes.Summary, error) { return upsertMilestones(ctx, tx, repoID, milestones) },
		} {
			changed, err := step()
			if err != nil {
				return err
			}
			summary.UnionWith(changed)
		}

		for _, issue := range issues {
			assignees := make([]int64, 0, len(issue.Assignees))
			for _, a := range dedupeAccounts(issue.Assignees) {
				assignees = append(assignees, a.ID)
			}
			labelIDs := make([]int64, 0, len(issue.Labels))
			for _, l := range issue.Labels {
				labelIDs = append(labelIDs, l.ID)
			}
			assigneesJSON, err := jsonText(assignees)
			if err != nil {
				return err
			}
			labelsJSON, err := jsonText(labelIDs)
			if err != nil {
				return err
			}
			var reactionsJSON any
			if issue.Reactions != nil {
				if reactionsJSON, err = jsonText(issue.Reactions); err != nil {
					return err
				}
			}
			var userID, milestoneID, closedByID int64
			if issue.User != nil {
				userID = issue.User.ID
			}
			if issue.Milestone != nil {
				milestoneID = issue.Milestone.ID
			}
			if issue.ClosedBy != nil {
				closedByID = issue.ClosedBy.ID
			}
			changed, err := execChanged(ctx, tx,
				`INSERT INTO issues(id, repository_id, number, state, title, body, user_id, assignees, labels,
					milestone_id, locked, pull_request, created_at, updated_at, closed_at, closed_by_id, reactions)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET repository_id = excluded.repository_id, number = excluded.number,
					state = excluded.state, title = excluded.title, body = excluded.body,
					user_id = excluded.user_id, assignees = excluded.assignees, labels = excluded.labels,
					milestone_id = excluded.milestone_id, locked = excluded.locked,
					pull_request = excluded.pull_request, created_at = excluded.created_at,
					updated_at = excluded.updated_at, closed_at = excluded.closed_at,
					closed_by_id = excluded.closed_by_id, reactions = excluded.reactions
				 WHERE (issues.state, issues.title, issues.body, issues.assignees, issues.labels,
						issues.milestone_id, issues.locked, issues.updated_at, issues.closed_at,
						issues.closed_by_id, issues.reactions)
					IS NOT (excluded.state, excluded.title, excluded.body, excluded.assignees, excluded.labels,
						excluded.milestone_id, excluded.locked, excluded.updated_at, excluded.closed_at,
						excluded.closed_by_id, excluded.reactions)`,
				issue.ID, repoID, issue.Number, issue.State, issue.Title, nullIfEmpty(issue.Body),
				nullIfZero(userID), assigneesJSON, labelsJSON, nullIfZero(milestoneID), issue.Locked,
				issue.PullRequest != nil, formatTime(issue.CreatedAt), formatTime(issue.UpdatedAt),
				formatTimePtr(issue.ClosedAt), nullIfZero(closedByID), reactionsJSON)
			if err != nil {
				return fmt.Errorf("upsert issue %d: %w", issue.ID, err)
			}
			if changed {
				summary.Add(changes.Issues, issue.ID)
			}
		}
		return nil
	})
	return summary, err
}

// UpsertComments stores issue comments and their authors.
func (s *Store) UpsertComments(ctx context.Context, repoID int64, comments []github.Comment) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		authors := make([]github.Account, 0, len(comments))
		for _, c := range comments {
			if c.User != nil {
				authors = append(authors, *c.User)
			}
		}
		upserted, err := upsertAccounts(ctx, tx, authors)
		if err != nil {
			return err
		}
		summary.UnionWith(upserted)

		for _, c := range comments {
			var userID int64
			if c.User != nil {
				userID = c.User.ID
			}
			var reactionsJSON any
			if c.Reactions != nil {
				if reactionsJSON, err = jsonText(c.Reactions); err != nil {
					return err
				}
			}
			changed, err := execChanged(ctx, tx,
				`INSERT INTO comments(id, repository_id, issue_number, user_id, body, created_at, updated_at, reactions)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET repository_id = excluded.repository_id,
					issue_number = excluded.issue_number, user_id = excluded.user_id, body = excluded.body,
					created_at = excluded.created_at, updated_at = excluded.updated_at, reactions = excluded.reactions
				 WHERE (comments.body, comments.updated_at, comments.reactions)
					IS NOT (excluded.body, excluded.updated_at, excluded.reactions)`,
				c.ID, repoID, nullIfZero(issueNumberFromURL(c.IssueURL)), nullIfZero(userID), c.Body,
				formatTime(c.CreatedAt), formatTime(c.UpdatedAt), reactionsJSON)
			if err != nil {
				return fmt.Errorf("upsert comment %d: %w", c.ID, err)
			}
			if changed {
				summary.Add(changes.Comments, c.ID)
			}
		}
		return nil
	})
	return summary, err
}

// UpsertEvents stores issue events. Events without a remote ID are keyed by
// their synthetic ID.
func (s *Store) UpsertEvents(ctx context.Context, repoID int64, events []github.IssueEvent) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var actors []github.Account
		for _, ev := range events {
			for _, ref := range []*github.Account{ev.Actor, ev.Assignee, ev.Assigner} {
				if ref != nil {
					actors = append(actors, *ref)
				}
			}
		}
		upserted, err := upsertAccounts(ctx, tx, actors)
		if err != nil {
			return err
		}
		summary.UnionWith(upserted)

		for _, ev := range events {
			id := github.EventID(repoID, ev)
			var issueID, actorID int64
			if ev.Issue != nil {
				issueID = ev.Issue.ID
			}
			if ev.Actor != nil {
				actorID = ev.Actor.ID
			}
			var source any
			if ev.Source != nil {
				if source, err = jsonText(ev.Source); err != nil {
					return err
				}
			}
			// Events are immutable once created.
			changed, err := execChanged(ctx, tx,
				`INSERT INTO issue_events(id, repository_id, issue_id, event, actor_id, commit_id, created_at, source)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO NOTHING`,
				id, repoID, nullIfZero(issueID), ev.Event, nullIfZero(actorID), nullIfEmpty(ev.CommitID),
				formatTime(ev.CreatedAt), source)
			if err != nil {
				return fmt.Errorf("insert event %d: %w", id, err)
			}
			if changed {
				summary.Add(changes.Events, id)
			}
		}
		return nil
	})
	return summary, err
}

// SetIssueReactions replaces the reactions recorded for one issue.
func (s *Store) SetIssueReactions(ctx context.Context, repoID, issueID int64, reactions []github.Reaction) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		users := make([]github.Account, 0, len(reactions))
		for _, r := range reactions {
			if r.User != nil {
				users = append(users, *r.User)
			}
		}
		upserted, err := upsertAccounts(ctx, tx, users)
		if err != nil {
			return err
		}
		summary.UnionWith(upserted)

		current, err := queryIDs(ctx, tx, `SELECT id FROM reactions WHERE issue_id = ?`, issueID)
		if err != nil {
			return fmt.Errorf("load reactions: %w", err)
		}
		for _, r := range reactions {
			if current[r.ID] {
				delete(current, r.ID)
				continue
			}
			var userID int64
			if r.User != nil {
				userID = r.User.ID
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reactions(id, repository_id, issue_id, user_id, content, created_at)
				 VALUES(?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
				r.ID, repoID, issueID, nullIfZero(userID), r.Content, formatTime(r.CreatedAt)); err != nil {
				return fmt.Errorf("insert reaction %d: %w", r.ID, err)
			}
			summary.Add(changes.Reactions, r.ID)
		}
		for id := range current {
			if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete reaction %d: %w", id, err)
			}
			summary.Add(changes.Reactions, id)
		}
		if len(summary.IDs(changes.Reactions)) > 0 {
			summary.Add(changes.Issues, issueID)
		}
		return nil
	})
	return summary, err
}

// IssueReactionCounts reports how many reactions are stored per issue of a
// repository. Issues without reactions are absent.
func (s *Store) IssueReactionCounts(ctx context.Context, repoID int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT issue_id, COUNT(*) FROM reactions
		 WHERE repository_id = ? AND issue_id IS NOT NULL
		 GROUP BY issue_id`, repoID)
	if err != nil {
		return nil, fmt.Errorf("count reactions: %w", err)
	}
	defer rows.Close()
	counts := make(map[int64]int)
	for rows.Next() {
		var (
			issueID int64
			n       int
		)
		if err := rows.Scan(&issueID, &n); err != nil {
			return nil, fmt.Errorf("scan reaction count: %w", err)
		}
		counts[issueID] = n
	}
	return counts, rows.Err()
}

// UpsertProjects stores an organization's projects.
func (s *Store) UpsertProjects(ctx context.Context, orgID int64, projects []github.Project) (changes.Summary, error) {
	var summary changes.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var creators []github.Account
		for _, p := range projects {
			if p.Creator != nil {
				creators = append(creators, *p.Creator)
			}
		}
		upserted, err := upsertAccounts(ctx, tx, creators)
		if err != nil {
			return err
		}
		summary.UnionWith(upserted)

		for _, p := range projects {
			var creatorID int64
			if p.Creator != nil {
				creatorID = p.Creator.ID
			}
			changed, err := execChanged(ctx, tx,
				`INSERT INTO projects(id, organization_id, number, name, body, state, creator_id, created_at, updated_at)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET organization_id = excluded.organization_id, number = excluded.number,
					name = excluded.name, body = excluded.body, state = excluded.state,
					creator_id = excluded.creator_id, created_at = excluded.created_at, updated_at = excluded.updated_at
				 WHERE (projects.name, projects.body, projects.state, projects.updated_at)
					IS NOT (excluded.name, excluded.body, excluded.state, excluded.updated_at)`,
				p.ID, orgID, p.Number, p.Name, nullIfEmpty(p.Body), nullIfEmpty(p.State), nullIfZero(creatorID),
				formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
			if err != nil {
				return fmt.Errorf("upsert project %d: %w", p.ID, err)
			}
			if changed {
				summary.Add(changes.Projects, p.ID)
			}
		}
		return nil
	})
	return summary, err
}

// IssueTitle is a small lookup used by the admin API and tests.
func (s *Store) IssueTitle(ctx context.Context, repoID int64, number int) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx,
		`SELECT title FROM issues WHERE repository_id = ? AND number = ?`, repoID, number).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get issue: %w", err)
	}
	return title, nil
}

func issueNumberFromURL(raw string) int64 {
	n, err := strconv.ParseInt(path.Base(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
