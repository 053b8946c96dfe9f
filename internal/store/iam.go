package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateProject inserts a new project. Projects are never hard-deleted.
func (s *Store) CreateProject(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO projects (project_id, slug, created_at)
		VALUES (?, ?, ?)`,
		p.ProjectID, p.Slug, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject fetches a project by id, including soft-deleted ones.
func (s *Store) GetProject(projectID string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &Project{}
	err := s.db.QueryRow(`
		SELECT project_id, slug, created_at, deleted_at
		FROM projects WHERE project_id = ?`, projectID,
	).Scan(&p.ProjectID, &p.Slug, &p.CreatedAt, &p.DeletedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// CreateAgent inserts a new agent. Alias uniqueness per project among
// non-deleted agents is enforced by the schema's partial unique index.
func (s *Store) CreateAgent(a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO agents (agent_id, project_id, alias, human_name, agent_type, access_mode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.ProjectID, a.Alias, a.HumanName, a.AgentType, a.AccessMode, a.Status, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

const agentSelectCols = `agent_id, project_id, alias, human_name, agent_type, access_mode, status, created_at, deleted_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(&a.AgentID, &a.ProjectID, &a.Alias, &a.HumanName, &a.AgentType, &a.AccessMode, &a.Status, &a.CreatedAt, &a.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentSelectCols+` FROM agents WHERE agent_id = ?`, agentID))
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetAgentByAlias resolves an agent within a project by its alias,
// ignoring soft-deleted agents.
func (s *Store) GetAgentByAlias(projectID, alias string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAgent(s.db.QueryRow(`
		SELECT `+agentSelectCols+` FROM agents
		WHERE project_id = ? AND alias = ? AND deleted_at IS NULL`, projectID, alias))
	if err != nil {
		return nil, fmt.Errorf("get agent by alias: %w", err)
	}
	return a, nil
}

// UpdateAgentStatus transitions an agent's status (e.g. retire, deregister).
func (s *Store) UpdateAgentStatus(agentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE agents SET status = ? WHERE agent_id = ?`, status, agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

// ListAgents returns every non-deleted agent in a project, ordered by alias.
func (s *Store) ListAgents(projectID string) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+agentSelectCols+` FROM agents
		WHERE project_id = ? AND deleted_at IS NULL ORDER BY alias`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// CreateAPIKey inserts a new key.
func (s *Store) CreateAPIKey(k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO api_keys (api_key_id, project_id, agent_id, key_hash, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		k.APIKeyID, k.ProjectID, k.AgentID, k.KeyHash, k.IsActive, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an active key by its full digest. This is the
// sole authentication lookup path; there is no prefix index.
func (s *Store) GetAPIKeyByHash(hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := &APIKey{}
	err := s.db.QueryRow(`
		SELECT api_key_id, project_id, agent_id, key_hash, is_active, created_at, last_used_at
		FROM api_keys WHERE key_hash = ? AND is_active = 1`, hash,
	).Scan(&k.APIKeyID, &k.ProjectID, &k.AgentID, &k.KeyHash, &k.IsActive, &k.CreatedAt, &k.LastUsedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// TouchAPIKey opportunistically records last_used_at. Failures here are
// not treated as authentication failures by callers.
func (s *Store) TouchAPIKey(apiKeyID string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE api_key_id = ?`, when, apiKeyID)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// AddContact registers contactAddress as allowed to reach agentID when
// its access_mode is contacts_only.
func (s *Store) AddContact(c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO contacts (project_id, agent_id, contact_address, created_at)
		VALUES (?, ?, ?, ?)`,
		c.ProjectID, c.AgentID, c.ContactAddress, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

// IsContact reports whether contactAddress is present in agentID's
// contact set.
func (s *Store) IsContact(agentID, contactAddress string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM contacts WHERE agent_id = ? AND contact_address = ?`,
		agentID, contactAddress,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check contact: %w", err)
	}
	return n > 0, nil
}

// ListContacts returns every contact address registered for an agent.
func (s *Store) ListContacts(agentID string) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT project_id, agent_id, contact_address, created_at
		FROM contacts WHERE agent_id = ? ORDER BY contact_address`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ProjectID, &c.AgentID, &c.ContactAddress, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
