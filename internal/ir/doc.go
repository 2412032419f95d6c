// Package ir provides the declarative intermediate representation for Loom.
//
// This package contains type definitions and their validator. All other
// internal packages import ir; ir imports nothing internal. This ensures
// IR remains the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - The IR is purely declarative: no step identifiers, no loop/scatter
//     constructs, no execution field names anywhere in a serialized IR.
//   - All JSON tags use snake_case.
//   - Optional fields are pointers, so "absent" and "intentionally empty"
//     are distinguishable states.
//   - The IR is immutable once validated; compilers only read it.
package ir
