package sampling

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientPrimes is returned when the sieve reaches its ceiling
	// before producing the requested number of primes.
	ErrInsufficientPrimes = errors.New("sieve could not produce enough primes")

	// ErrInvalidSequence is returned for a negative length or a base below 2.
	ErrInvalidSequence = errors.New("invalid sequence parameters")
)

const (
	// sieveIncrement is how far the sieve bound grows on each retry.
	sieveIncrement = 64
	// maxSieveBound caps the sieve so a bad count cannot run away.
	maxSieveBound = 1 << 22
)

// HaltonSequence returns the first count values of the van der Corput
// sequence in the given base. Values lie in [0,1) and the first one is
// always 0. The result depends only on (count, base).
func HaltonSequence(count, base int) ([]float64, error) {
	if count < 0 || base < 2 {
		return nil, fmt.Errorf("%w: count=%d base=%d", ErrInvalidSequence, count, base)
	}

	seq := make([]float64, count)
	for i := range seq {
		f, r := 1.0, 0.0
		for n := i; n > 0; n /= base {
			f /= float64(base)
			r += f * float64(n%base)
		}
		seq[i] = r
	}
	return seq, nil
}

// SmallPrimes returns the first count primes in ascending order.
func SmallPrimes(count int) ([]int, error) {
	return smallPrimes(count, sieveIncrement, maxSieveBound)
}

// smallPrimes grows the sieve bound by increment and re-sieves from scratch
// until count primes are found, since the bound is not known in advance.
func smallPrimes(count, increment, ceiling int) ([]int, error) {
	if count <= 0 {
		return []int{}, nil
	}

	for bound := increment; bound <= ceiling; bound += increment {
		primes := sieve(bound)
		if len(primes) >= count {
			return primes[:count], nil
		}
	}
	return nil, fmt.Errorf("%w: wanted %d below %d", ErrInsufficientPrimes, count, ceiling)
}

// sieve returns every prime strictly below n.
func sieve(n int) []int {
	composite := make([]bool, n)
	var primes []int
	for i := 2; i < n; i++ {
		if composite[i] {
			continue
		}
		primes = append(primes, i)
		for j := i * i; j < n; j += i {
			composite[j] = true
		}
	}
	return primes
}

// ScaleRange maps x from [a,b] onto [c,d]. The caller guarantees a != b.
func ScaleRange(x, a, b, c, d float64) float64 {
	return c + (x-a)*(d-c)/(b-a)
}
