package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/inomad/custody-backend/interfaces"
	"gopkg.in/yaml.v3"
)

// Static is an in-memory IdentityDirectory.
type Static struct {
	mu     sync.RWMutex
	users  map[string]*interfaces.User
	graphs map[string]*interfaces.SocialGraph
}

func NewStatic() *Static {
	return &Static{
		users:  make(map[string]*interfaces.User),
		graphs: make(map[string]*interfaces.SocialGraph),
	}
}

// staticFile is the YAML layout of a directory fixture.
type staticFile struct {
	Users []struct {
		ID            string `yaml:"id"`
		Username      string `yaml:"username"`
		Email         string `yaml:"email"`
		Phone         string `yaml:"phone"`
		WalletAddress string `yaml:"wallet_address"`

		Families []struct {
			Spouse         string   `yaml:"spouse"`
			Representative string   `yaml:"representative"`
			AdultChildren  []string `yaml:"adult_children"`
		} `yaml:"families"`

		Organizations []struct {
			Name   string `yaml:"name"`
			Leader string `yaml:"leader"`
		} `yaml:"organizations"`
	} `yaml:"users"`
}

// LoadStaticFile reads a YAML fixture:
//
//	users:
//	  - id: u1
//	    username: temujin
//	    email: temujin@example.org
//	    families:
//	      - spouse: u2
//	        representative: u9
//	        adult_children: [u3]
//	    organizations:
//	      - name: herders
//	        leader: u7
func LoadStaticFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}

	var file staticFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}

	s := NewStatic()
	for _, u := range file.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory file %s: user without id", path)
		}
		s.AddUser(interfaces.User{
			ID:            u.ID,
			Username:      u.Username,
			Email:         u.Email,
			Phone:         u.Phone,
			WalletAddress: u.WalletAddress,
		})

		graph := interfaces.SocialGraph{}
		for _, f := range u.Families {
			graph.Families = append(graph.Families, interfaces.FamilyUnit{
				SpouseID:         f.Spouse,
				RepresentativeID: f.Representative,
				AdultChildIDs:    f.AdultChildren,
			})
		}
		for _, o := range u.Organizations {
			graph.Organizations = append(graph.Organizations, interfaces.Organization{
				Name:     o.Name,
				LeaderID: o.Leader,
			})
		}
		s.SetSocialGraph(u.ID, graph)
	}
	return s, nil
}

// AddUser inserts or replaces a user record.
func (s *Static) AddUser(u interfaces.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *Static) SetSocialGraph(userID string, g interfaces.SocialGraph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[userID] = &g
}

func (s *Static) LookupUser(_ context.Context, userID string) (*interfaces.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", interfaces.ErrNotFound, userID)
	}
	c := *u
	return &c, nil
}

func (s *Static) BindWalletAddress(_ context.Context, userID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", interfaces.ErrNotFound, userID)
	}
	u.WalletAddress = address
	return nil
}

// SocialGraph returns an empty graph for known users without relationships.
func (s *Static) SocialGraph(_ context.Context, userID string) (*interfaces.SocialGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, fmt.Errorf("%w: user %s", interfaces.ErrNotFound, userID)
	}
	g, ok := s.graphs[userID]
	if !ok {
		return &interfaces.SocialGraph{}, nil
	}
	c := interfaces.SocialGraph{
		Families:      make([]interfaces.FamilyUnit, len(g.Families)),
		Organizations: append([]interfaces.Organization(nil), g.Organizations...),
	}
	for i, f := range g.Families {
		f.AdultChildIDs = append([]string(nil), f.AdultChildIDs...)
		c.Families[i] = f
	}
	return &c, nil
}
