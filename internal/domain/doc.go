// Package domain holds the entities shared by the distribution engine:
// content, rules, queue tasks, ledger records and dispatch decisions, plus
// the error taxonomy used to classify send outcomes.
package domain
