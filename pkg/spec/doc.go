/*
Package spec defines the identifier and value types shared across the
coordination core: test names, revision identifiers, resource keys, and the
resolved TestSpec that the config resolver (pkg/config) hands to the job
manager (pkg/job).

These types intentionally carry no behavior beyond what's needed to compare,
hash, and print them — they are the vocabulary every other package in this
module speaks, not a place for logic.
*/
package spec
