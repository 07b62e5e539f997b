package document

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Op is a comparison operator usable in query conditions.
type Op string

// Supported comparison operators.
const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

// Condition is a single field comparison. Field names use the bson names
// of the document type.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Query describes a filtered, ordered page of documents. A query with an
// empty PartitionKey scans across partitions; backends serve it, but it is
// the expensive path and callers should carry a partition key whenever
// they can.
type Query struct {
	Collection   string
	PartitionKey string
	Conditions   []Condition

	// OrderBy sorts results by a bson field; empty means backend order.
	OrderBy    string
	Descending bool

	// PageSize bounds the page; zero means no bound.
	PageSize int

	// Continuation restarts the query after a previous page. Tokens are
	// opaque to callers.
	Continuation string
}

// Where appends a condition and returns the query for chaining.
func (q Query) Where(field string, op Op, value any) Query {
	q.Conditions = append(q.Conditions, Condition{Field: field, Op: op, Value: value})
	return q
}

// Page is one page of query results plus the token for the next page.
// An empty Continuation means the result set is exhausted.
type Page struct {
	Documents    []bson.Raw
	Continuation string
}

// DecodeAll unmarshals every document of a page into T.
func DecodeAll[T any](p *Page) ([]T, error) {
	out := make([]T, 0, len(p.Documents))
	for _, raw := range p.Documents {
		var v T
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("quarry/document: decode page entry: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// EncodeContinuation packs a result offset into an opaque token.
func EncodeContinuation(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodeContinuation unpacks a token produced by EncodeContinuation.
// An empty token means offset zero.
func DecodeContinuation(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("quarry/document: decode continuation %q: %w", token, err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("quarry/document: malformed continuation %q", token)
	}
	return offset, nil
}
