package audit

import (
	"context"

	"github.com/cuemby/warden/pkg/storage"
)

// validatePageSize bounds each store read during a chain walk. The walk
// itself is unbounded; validation always covers the full chain.
const validatePageSize = 1000

// ChainFailure pinpoints the first entry that breaks the chain.
type ChainFailure struct {
	ChainIndex int64  `json:"chain_index"`
	EventID    string `json:"event_id"`
	Reason     string `json:"reason"`
}

// ValidationResult reports a full chain walk. CheckedEntries counts the
// entries verified before the walk stopped.
type ValidationResult struct {
	Valid          bool          `json:"valid"`
	CheckedEntries int64         `json:"checked_entries"`
	Failure        *ChainFailure `json:"failure,omitempty"`
}

// ValidateChain walks the whole chain oldest-first and recomputes every link:
// indices must be gap-free from 1, each prev_hash must equal the previous
// entry_hash, and each entry_hash must match the canonical recomputation.
func (s *Service) ValidateChain(ctx context.Context) (*ValidationResult, error) {
	if s.store == nil {
		return &ValidationResult{Valid: true}, nil
	}

	offset := 0
	var expectedIndex int64 = 1
	var expectedPrevHash *string

	for {
		entries, err := s.store.ListAuditEntries(ctx, storage.AuditFilter{
			Offset: offset,
			Limit:  validatePageSize,
		})
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if entry.ChainIndex != expectedIndex {
				return failure(expectedIndex, entry.ChainIndex, entry.EventID, "chain_index_out_of_sequence"), nil
			}
			if !equalOptional(entry.PrevHash, expectedPrevHash) {
				return failure(expectedIndex, entry.ChainIndex, entry.EventID, "prev_hash_mismatch"), nil
			}
			if EntryHash(entry) != entry.EntryHash {
				return failure(expectedIndex, entry.ChainIndex, entry.EventID, "entry_hash_mismatch"), nil
			}
			hash := entry.EntryHash
			expectedPrevHash = &hash
			expectedIndex++
		}
		offset += len(entries)
	}

	return &ValidationResult{
		Valid:          true,
		CheckedEntries: expectedIndex - 1,
	}, nil
}

func failure(expectedIndex, chainIndex int64, eventID, reason string) *ValidationResult {
	return &ValidationResult{
		Valid:          false,
		CheckedEntries: expectedIndex - 1,
		Failure: &ChainFailure{
			ChainIndex: chainIndex,
			EventID:    eventID,
			Reason:     reason,
		},
	}
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SummaryByAction aggregates the chain for the audit summary surface.
type SummaryByAction struct {
	TotalEntries   int64            `json:"total_entries"`
	LastChainIndex int64            `json:"last_chain_index"`
	ByAction       map[string]int64 `json:"by_action"`
}

// Summarize walks the chain and counts entries per action.
func (s *Service) Summarize(ctx context.Context) (*SummaryByAction, error) {
	summary := &SummaryByAction{ByAction: make(map[string]int64)}
	if s.store == nil {
		return summary, nil
	}
	offset := 0
	for {
		entries, err := s.store.ListAuditEntries(ctx, storage.AuditFilter{
			Offset: offset,
			Limit:  validatePageSize,
		})
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			summary.TotalEntries++
			summary.ByAction[entry.Action]++
			if entry.ChainIndex > summary.LastChainIndex {
				summary.LastChainIndex = entry.ChainIndex
			}
		}
		offset += len(entries)
	}
	return summary, nil
}
