// Package memory is a tiered context cache for agents, sitting in front of
// a long-term archive (Mnemosyne).
//
// Tiers:
//   - short_term: TierCache, scored entries with embeddings, bounded by
//     capacity and pruned by age and relevance
//   - mid_term: SummaryStore, summaries of pruned entries with a TTL and
//     decaying weight
//   - long_term: the Archive, reached through an unreliable remote client
//
// Flow:
//   - Agents write entries (Manager.Put) and session outcomes
//     (Manager.Enqueue). Outcomes wait in an UpdateQueue.
//   - Agents read through the QueryRouter, which blends the cache and the
//     summaries and consults the archive only for detailed queries it cannot
//     answer with enough confidence.
//   - The RefreshCycle runs on a schedule: prune, summarize what was pruned,
//     expire and decay summaries, push queued updates.
//
// The archive is never a hard dependency. When it is down, queries still
// answer from local tiers with lower confidence and updates stay queued for
// the next run.
//
// Implementations of the collaborator interfaces live in subpackages:
//   - embedder/hash: deterministic feature-hashing Embedder
//   - store/chromem: EmbeddingIndex on chromem-go
//   - queue/sqlite: durable UpdateQueue and refresh history
//   - archive/httparchive, archive/grpcarchive: Archive clients
//   - summarizer/claude: Summarizer on the Anthropic Messages API
package memory
