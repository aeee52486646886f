// Package particle implements a Monte Carlo localization filter over a
// rectangular area.
//
// A Filter owns a fixed-size particle set. Each epoch it moves every
// particle with a memoryless stationary/moving motion model, weights it by
// how well its distances to the anchors match the smoothed distances the
// anchors reported, resamples with stochastic universal sampling when the
// effective sample size drops, and reports the weighted mean position.
//
// All buffers are allocated once by NewFilter; epochs do not allocate.
// A Filter is not safe for concurrent use.
package particle
