package tdcfg

import "fmt"

const (
	// MemBackend keeps the transaction graph in process memory. All
	// data is lost on shutdown.
	MemBackend = "mem"

	// Neo4jBackend persists the transaction graph in a Neo4j server
	// reached over the bolt protocol.
	Neo4jBackend = "neo4j"

	// DefaultNeo4jURI is the bolt target used when no URI is
	// configured explicitly.
	DefaultNeo4jURI = "neo4j://localhost:7687"

	// DefaultNeo4jUser is the user the driver authenticates as by
	// default.
	DefaultNeo4jUser = "neo4j"
)

// Store holds the graph store backend configuration.
//
//nolint:lll
type Store struct {
	Backend string `long:"backend" description:"The selected graph store backend." choice:"mem" choice:"neo4j"`

	Neo4j *Neo4j `group:"neo4j" namespace:"neo4j" description:"Neo4j settings."`
}

// DefaultStore returns a new default store config.
func DefaultStore() *Store {
	return &Store{
		Backend: MemBackend,
		Neo4j: &Neo4j{
			URI:  DefaultNeo4jURI,
			User: DefaultNeo4jUser,
		},
	}
}

// Validate validates the store config.
func (s *Store) Validate() error {
	switch s.Backend {
	case MemBackend:

	case Neo4jBackend:
		if s.Neo4j.URI == "" {
			return fmt.Errorf("neo4j URI must be set")
		}

	default:
		return fmt.Errorf("unknown backend, must be either \"%v\" "+
			"or \"%v\"", MemBackend, Neo4jBackend)
	}

	return nil
}

// Neo4j holds the neo4j driver configuration options.
//
//nolint:lll
type Neo4j struct {
	URI string `long:"uri" description:"The bolt/neo4j scheme target of the server, e.g. neo4j://localhost:7687."`

	User string `long:"user" description:"The user to authenticate as. An empty user disables authentication."`

	Password string `long:"password" description:"The password to authenticate with."`

	Database string `long:"database" description:"The server side database to use, empty for the server default."`
}
