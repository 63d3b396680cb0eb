// Package subscriber owns the set of configured destinations and the
// dispatch workers behind the enabled ones.
//
// Two reference counts are kept per subscriber on behalf of the router:
//   - lock count: routes bound to the subscriber in any state; blocks Remove
//   - use count: enabled routes delivering through it; blocks Update
//
// Counts and maps change only under the registry mutex. Worker creation,
// disposal and sends happen outside it.
package subscriber
