package request

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/slb/internal/slb/store"
)

//go:embed request.schema.json
var requestSchemaJSON string

var requestSchema = jsonschema.MustCompileString("request.schema.json", requestSchemaJSON)

// fileRequest mirrors the request file layout accepted by ParseFile.
type fileRequest struct {
	Command struct {
		Raw   string   `json:"raw"`
		Argv  []string `json:"argv"`
		Cwd   string   `json:"cwd"`
		Shell *bool    `json:"shell"`
	} `json:"command"`
	Justification store.Justification `json:"justification"`
	Emergency     bool                `json:"emergency"`
}

// ParseFile reads a JSON request description, validates it against the
// embedded schema, and returns the corresponding CreateParams.  The caller
// fills in SessionID and, when cwd is absent, the working directory.
func ParseFile(path string) (CreateParams, error) {
	f, err := os.Open(path)
	if err != nil {
		return CreateParams{}, fmt.Errorf("open request file: %w", err)
	}
	defer f.Close()
	return parseRequest(f)
}

func parseRequest(r io.Reader) (CreateParams, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return CreateParams{}, fmt.Errorf("read request file: %w", err)
	}

	// The schema validator works on a decoded document, so decode twice:
	// once generically for validation, once into the typed struct.
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return CreateParams{}, fmt.Errorf("parse request file: %w", err)
	}
	if err := requestSchema.Validate(doc); err != nil {
		return CreateParams{}, fmt.Errorf("request file invalid: %w", err)
	}

	var fr fileRequest
	if err := json.Unmarshal(raw, &fr); err != nil {
		return CreateParams{}, fmt.Errorf("parse request file: %w", err)
	}

	p := CreateParams{
		Raw:           fr.Command.Raw,
		Argv:          fr.Command.Argv,
		Cwd:           fr.Command.Cwd,
		Shell:         true,
		Justification: fr.Justification,
		Emergency:     fr.Emergency,
	}
	if fr.Command.Shell != nil {
		p.Shell = *fr.Command.Shell
	}
	return p, nil
}
