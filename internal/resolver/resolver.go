// Package resolver picks the contact address a cascade step dispatches to.
package resolver

import "blastengine/internal/types"

// Resolve returns the first address on channel that is verified and opted
// in, in the order the addresses were captured for the recipient.
func Resolve(r *types.Recipient, channel types.Channel) (types.ContactAddress, bool) {
	if r == nil {
		return types.ContactAddress{}, false
	}
	for _, a := range r.Addresses {
		if a.Channel == channel && a.Reachable() {
			return a, true
		}
	}
	return types.ContactAddress{}, false
}

// Reachable lists the channels of steps that have at least one usable
// address, preserving cascade order.
func Reachable(r *types.Recipient, cascade []types.CascadeStep) []types.Channel {
	var out []types.Channel
	for _, step := range cascade {
		if _, ok := Resolve(r, step.Channel); ok {
			out = append(out, step.Channel)
		}
	}
	return out
}
