// Package privacy implements GDPR and CCPA data subject requests.
//
// # Lifecycle
//
//	pending --verify--> in_progress --fulfill--> completed
//	   |                     |
//	   +--> expired          +--> rejected
//	   +--> rejected
//
// A request is created with a random verification token that is stored
// hashed and delivered by a Notifier. Verification must happen within
// the verification window (24h by default). Pending requests that miss it
// are expired by ExpireOverdue, which also reports in_progress requests
// past their fulfillment deadline.
//
// Fulfillment checks the request type first, then that the requester was
// verified, then that the request is still open. A request that was
// already fulfilled answers ErrAlreadyFulfilled and touches no table.
//
// # Personal data tables
//
// The Policy lists the tables holding personal data, the columns that
// identify the subject and the organization column every query filters
// on. It can be loaded from YAML and hot reloaded with PolicyWatcher.
//
// Fulfillment never aborts halfway. Each table gets a TableOutcome
// (exported, deleted, retained, updated or error) and the request
// completes with the per-table breakdown. Erasure keeps legal-hold tables
// when HasLegalRetentionObligation finds qualifying audit history.
package privacy
