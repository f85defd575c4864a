// Package align brings a collection of 3D point sets into one consistent
// geometric frame.
//
// Three pieces cooperate: a deterministic principal-axis aligner built on the
// inertia tensor, a probabilistic rigid registration (coherent point drift
// style expectation-maximization) for the cases the deterministic method
// cannot settle, and a greedy scheduler that seeds the aligned pool from the
// unambiguous inertia frames and then always commits the best-fitting
// remaining pair. Pairwise results can be persisted through a pluggable
// ResultCache so repeated or distributed runs skip finished registrations.
package align
