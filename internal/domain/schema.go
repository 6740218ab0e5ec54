package domain

// SchemaType defines the type of the source API schema.
type SchemaType string

const (
	SchemaTypeOpenAPI SchemaType = "openapi"
)

// APISchema represents a fetched API schema before conversion into tools.
type APISchema struct {
	// Source indicates the origin of the schema (URL or file path).
	Source string
	// Type specifies the kind of schema.
	Type SchemaType
	// RawData holds the unprocessed schema content.
	RawData []byte
	// ParsedData holds the schema parsed into a library-specific
	// representation (*openapi3.T for OpenAPI). Kept as interface{} so the
	// domain does not import the parser.
	ParsedData interface{}
}
