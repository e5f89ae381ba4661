package manet

// randvar.go holds the samplers that turn a node's uniform draws into
// inter-send times
import (
	"math"
)

var rdigits uint = 15

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of a exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV draws an exponential interval whose mean is params[0]
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, 1.0/params[0])
}

// sampleConst returns the interval params[0] regardless of u01
func sampleConst(u01 float64, params []float64) float64 {
	return params[0]
}

// intervalSampler returns the sampler registered under 'dist', or nil
func intervalSampler(dist string) func(float64, []float64) float64 {
	switch dist {
	case "exponential", "exp", "expon":
		return sampleExpRV
	case "constant", "const", "":
		return sampleConst
	}
	return nil
}
