package ghostdrop

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestJSONLLogBackendWritesOneRecordPerLine(t *testing.T) {
	var buf bytes.Buffer
	logging.SetBackend(logging.AddModuleLevel(NewJSONLLogWriter(&buf)))
	logging.SetLevel(logging.DEBUG, "jsonl_test")

	logger := logging.MustGetLogger("jsonl_test")
	logger.Info("transfer complete")
	logger.Error("send failed")

	scanner := bufio.NewScanner(&buf)
	var lines []jsonlRecord
	for scanner.Scan() {
		var rec jsonlRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	require.Equal(t, "INFO", lines[0].Level)
	require.Equal(t, "jsonl_test", lines[0].Module)
	require.Equal(t, "transfer complete", lines[0].Message)

	require.Equal(t, "ERROR", lines[1].Level)
	require.Equal(t, "send failed", lines[1].Message)
}
