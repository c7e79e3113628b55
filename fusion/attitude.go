package fusion

import "math"

// RotationFromEuler builds the body-to-world rotation matrix for ZYX Euler
// angles in radians.
func RotationFromEuler(roll, pitch, yaw float64) [3][3]float64 {
	var (
		cr = math.Cos(roll)
		sr = math.Sin(roll)
		cp = math.Cos(pitch)
		sp = math.Sin(pitch)
		cy = math.Cos(yaw)
		sy = math.Sin(yaw)
	)
	return [3][3]float64{
		{cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr},
		{sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr},
		{-sp, cp * sr, cp * cr},
	}
}

// TiltCosine returns R[2][2] for the given roll and pitch without building
// the full matrix.
func TiltCosine(roll, pitch float64) float64 {
	return math.Cos(roll) * math.Cos(pitch)
}
