package chunk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const writeOp = "WRITE"

var errMalformedCommand = errors.New("malformed command")

// WriteCommand describes a chunk write as it is recorded in the replicated log
type WriteCommand struct {
	FileID  string
	ChunkID string
	Size    int
}

// String encodes the command as WRITE:<fileID>:<chunkID>:<size>
func (c WriteCommand) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", writeOp, c.FileID, c.ChunkID, c.Size)
}

// ParseCommand decodes a command produced by WriteCommand.String
func ParseCommand(command string) (WriteCommand, error) {
	parts := strings.Split(command, ":")
	if len(parts) != 4 || parts[0] != writeOp {
		return WriteCommand{}, fmt.Errorf("%w: %q", errMalformedCommand, command)
	}

	size, err := strconv.Atoi(parts[3])
	if err != nil || size < 0 {
		return WriteCommand{}, fmt.Errorf("%w: bad size in %q", errMalformedCommand, command)
	}
	if parts[1] == "" || parts[2] == "" {
		return WriteCommand{}, fmt.Errorf("%w: empty key in %q", errMalformedCommand, command)
	}

	return WriteCommand{FileID: parts[1], ChunkID: parts[2], Size: size}, nil
}
