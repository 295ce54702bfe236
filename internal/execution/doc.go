// Package execution drives executions through their state machine. It
// launches executions from admitted batches, dispatches them to engines,
// folds the steps engines report into the stored history, and times out
// executions whose engine has gone silent.
package execution
