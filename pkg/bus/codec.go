package bus

import (
	"bytes"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/burrowlabs/burrow/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Delimiter is the line separating the JSON meta header from the body.
const Delimiter = "---"

// EncodePacket renders the on-disk packet document: a delimiter line, the
// indented JSON meta, a delimiter line, then the body verbatim.
func EncodePacket(meta types.Meta, body string) ([]byte, error) {
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "bus.encode", "", err)
	}

	var buf bytes.Buffer
	buf.WriteString(Delimiter)
	buf.WriteByte('\n')
	buf.Write(metaJSON)
	buf.WriteByte('\n')
	buf.WriteString(Delimiter)
	buf.WriteByte('\n')
	buf.WriteString(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodePacket parses a packet document produced by EncodePacket. The body
// is returned without the trailing newline the encoder may have added.
func DecodePacket(data []byte) (types.Meta, string, error) {
	var meta types.Meta

	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || !isDelimiter(lines[0]) {
		return meta, "", types.E(types.ErrSchemaInvalid, "bus.decode", "", errMissingDelimiter)
	}

	metaEnd := -1
	for i := 1; i < len(lines); i++ {
		if isDelimiter(lines[i]) {
			metaEnd = i
			break
		}
	}
	if metaEnd < 0 {
		return meta, "", types.E(types.ErrSchemaInvalid, "bus.decode", "", errMissingDelimiter)
	}

	metaJSON := strings.Join(lines[1:metaEnd], "\n")
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return meta, "", types.E(types.ErrSchemaInvalid, "bus.decode", "", err)
	}
	if meta.ID == "" {
		return meta, "", types.E(types.ErrSchemaInvalid, "bus.decode", "", errEmptyID)
	}

	body := strings.Join(lines[metaEnd+1:], "\n")
	body = strings.TrimSuffix(body, "\n")
	return meta, body, nil
}

func isDelimiter(line string) bool {
	return strings.TrimRight(line, "\r") == Delimiter
}

// FileName renders a task id plus an optional suffix into a packet
// filename. The id prefix is authoritative; suffixes only keep sibling
// copies from colliding.
func FileName(id, suffix string) string {
	if suffix != "" {
		return id + "__" + suffix + ".md"
	}
	return id + ".md"
}

// TaskIDFromName strips the suffix and extension from a packet filename.
func TaskIDFromName(name string) string {
	name = strings.TrimSuffix(name, ".md")
	if i := strings.Index(name, "__"); i >= 0 {
		return name[:i]
	}
	return name
}
