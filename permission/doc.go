// Package permission provides the closed role enumeration, the action registry and the
// static role permission policy used by rentauth authorization checks.
//
// # Role hierarchy
//
// Roles form a total order: user < renter < admin < super_admin. [IsRoleAtLeast]
// compares ordinals, so a higher role satisfies every lower role requirement.
// Permissions are cumulative along the same order.
//
// # Policy table
//
// The permission table is loaded once (see [DefaultPolicy]) from the embedded
// policy.yaml and compiled into per-role action masks and route prefixes. A compiled
// [Policy] is read-only and safe for concurrent use.
//
// # What this package must NOT do
//
//   - Perform I/O beyond reading the embedded table.
//   - Import rentauth, jwt, or session.
//   - Mutate a Policy after construction.
package permission
