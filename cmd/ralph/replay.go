package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kandev/ralph/internal/hub"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Deterministically replay a persisted event log for debugging",
	RunE:  runReplay,
}

// runReplay reads one hub.Envelope per line (newline-delimited JSON, the
// same shape Session Store's GetEventsSince-derived publishes use) and
// prints them back ordered by session ID and then eventIndex, independent
// of the order they were written in the file.
func runReplay(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return usageError(fmt.Errorf("replay expects exactly one argument, <file>"))
	}

	f, err := os.Open(args[0])
	if err != nil {
		return usageError(fmt.Errorf("open %q: %w", args[0], err))
	}
	defer f.Close()

	var envelopes []hub.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env hub.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return runtimeError(fmt.Errorf("parse event log line: %w", err))
		}
		envelopes = append(envelopes, env)
	}
	if err := scanner.Err(); err != nil {
		return runtimeError(fmt.Errorf("read event log: %w", err))
	}

	sort.SliceStable(envelopes, func(i, j int) bool {
		if envelopes[i].SessionID != envelopes[j].SessionID {
			return envelopes[i].SessionID < envelopes[j].SessionID
		}
		return envelopes[i].EventIndex < envelopes[j].EventIndex
	})

	for _, env := range envelopes {
		if jsonFlag {
			data, _ := json.Marshal(env)
			fmt.Println(string(data))
			continue
		}
		fmt.Printf("[%s] session=%s index=%d type=%s payload=%s\n",
			env.Timestamp.Format("15:04:05.000"), env.SessionID, env.EventIndex, env.EventType, env.Payload)
	}

	return nil
}
