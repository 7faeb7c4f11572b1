package engine

import "fmt"

// DBCmd is an id of a query in QueryMap, each table keeps its own range of ids
type DBCmd int

// Query is a sql query in sqlite dialect with an optional postgres variant.
// Without the variant postgres runs the sqlite query with numbered placeholders.
type Query struct {
	Sqlite   string
	Postgres string
}

// QueryMap keeps queries of a table by command
type QueryMap map[DBCmd]Query

// Pick returns the query of the command for the engine type
func (q QueryMap) Pick(dbType Type, cmd DBCmd) (string, error) {
	query, ok := q[cmd]
	if !ok {
		return "", fmt.Errorf("unsupported command %d", cmd)
	}
	switch dbType {
	case Sqlite:
		return query.Sqlite, nil
	case Postgres:
		if query.Postgres == "" {
			return adoptPlaceholders(query.Sqlite), nil
		}
		return query.Postgres, nil
	}
	return "", fmt.Errorf("unsupported database type %q", dbType)
}
