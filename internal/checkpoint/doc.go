// Package checkpoint persists execution progress so an interrupted mission
// can resume exactly where it left off.
//
// It currently supports:
//   - One JSON document per execution (file driver, default)
//   - A single sync-checkpoints document for incremental fetch baselines
//   - An optional SQLite backend (build with -tags sqlite)
package checkpoint
