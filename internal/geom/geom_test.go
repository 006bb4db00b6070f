package geom

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTransform(rng *rand.Rand) Transform {
	e := Euler{
		Roll:  (rng.Float64()*2 - 1) * math.Pi,
		Pitch: (rng.Float64()*2 - 1) * (math.Pi/2 - 0.01),
		Yaw:   (rng.Float64()*2 - 1) * math.Pi,
	}
	t := r3.Vector{X: rng.NormFloat64() * 5, Y: rng.NormFloat64() * 5, Z: rng.NormFloat64()}
	return FromEuler(t, e)
}

func TestIdentity(t *testing.T) {
	id := Identity()
	assert.True(t, id.IsRigid(1e-12))
	p := r3.Vector{X: 1, Y: 2, Z: 3}
	assert.Equal(t, p, id.Apply(p))

	tr, q := id.TranslationQuaternion()
	assert.Equal(t, r3.Vector{}, tr)
	assert.Equal(t, IdentityQuaternion(), q)
	assert.Equal(t, Euler{}, id.Euler())
}

func TestTranslationQuaternionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		T := randomTransform(rng)
		require.True(t, T.IsRigid(1e-9))

		tr, q := T.TranslationQuaternion()
		assert.GreaterOrEqual(t, q.Real, 0.0, "quaternion must be sign-canonical")
		assert.InDelta(t, 1.0, q.Norm(), 1e-12)

		back, err := FromTranslationQuaternion(tr, q)
		require.NoError(t, err)
		if !back.AlmostEqual(T, 1e-9) {
			t.Fatalf("round trip %d mismatch:\n got  %v\n want %v", i, back, T)
		}
	}
}

func TestQuaternionRoundTripNearHalfTurn(t *testing.T) {
	// Rotations of ~180 degrees exercise the non-trace branches of the extraction.
	axes := []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1, Z: 0.2}}
	for _, axis := range axes {
		q, err := FromAxisAngle(axis, math.Pi-1e-9)
		require.NoError(t, err)
		T, err := FromTranslationQuaternion(r3.Vector{X: 1}, q)
		require.NoError(t, err)
		tr, q2 := T.TranslationQuaternion()
		back, err := FromTranslationQuaternion(tr, q2)
		require.NoError(t, err)
		assert.True(t, back.AlmostEqual(T, 1e-9), "axis %v", axis)
	}
}

func TestFromTranslationQuaternionNormalizes(t *testing.T) {
	unit, err := FromTranslationQuaternion(r3.Vector{}, NewQuaternion(math.Cos(0.3), math.Sin(0.3), 0, 0))
	require.NoError(t, err)
	scaled, err := FromTranslationQuaternion(r3.Vector{}, NewQuaternion(5*math.Cos(0.3), 5*math.Sin(0.3), 0, 0))
	require.NoError(t, err)
	assert.True(t, unit.AlmostEqual(scaled, 1e-12))
	assert.True(t, scaled.IsRigid(1e-12))
}

func TestFromTranslationQuaternionDegenerate(t *testing.T) {
	_, err := FromTranslationQuaternion(r3.Vector{}, NewQuaternion(0, 0, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidRotation)

	_, err = FromTranslationQuaternion(r3.Vector{}, NewQuaternion(1e-14, 0, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidRotation)

	_, err = FromTranslationQuaternion(r3.Vector{}, NewQuaternion(math.NaN(), 0, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidRotation)
}

func TestCanonicalSign(t *testing.T) {
	q := NewQuaternion(-0.5, 0.5, 0.5, 0.5)
	T1, err := FromTranslationQuaternion(r3.Vector{}, q)
	require.NoError(t, err)
	T2, err := FromTranslationQuaternion(r3.Vector{}, q.Canonical())
	require.NoError(t, err)
	assert.True(t, T1.AlmostEqual(T2, 1e-12))
	assert.Equal(t, [4]float64{0.5, -0.5, -0.5, -0.5}, q.Canonical().WXYZ())
}

func TestEulerRoundTrip(t *testing.T) {
	cases := []Euler{
		{},
		{Roll: 0.1, Pitch: 0.2, Yaw: 0.3},
		{Roll: -1.2, Pitch: 0.7, Yaw: 2.9},
		{Roll: math.Pi / 2, Pitch: -0.4, Yaw: -math.Pi / 3},
	}
	for _, e := range cases {
		T := FromEuler(r3.Vector{X: 1, Y: -2, Z: 0.5}, e)
		got := T.Euler()
		assert.InDelta(t, e.Roll, got.Roll, 1e-12)
		assert.InDelta(t, e.Pitch, got.Pitch, 1e-12)
		assert.InDelta(t, e.Yaw, got.Yaw, 1e-12)
	}
}

func TestEulerOrderIsZYX(t *testing.T) {
	// Yaw of 90 degrees alone maps +X onto +Y.
	T := FromEuler(r3.Vector{}, Euler{Yaw: math.Pi / 2})
	v := T.Apply(r3.Vector{X: 1})
	assert.InDelta(t, 0, v.X, 1e-12)
	assert.InDelta(t, 1, v.Y, 1e-12)

	// Roll is applied before yaw: roll 90 then yaw 90 sends +Y to +Z.
	T = FromEuler(r3.Vector{}, Euler{Roll: math.Pi / 2, Yaw: math.Pi / 2})
	v = T.Apply(r3.Vector{Y: 1})
	assert.InDelta(t, 1, v.Z, 1e-12)
}

func TestEulerSingularity(t *testing.T) {
	t.Run("regular branch just outside threshold", func(t *testing.T) {
		// cos(pi/2 - 1e-5) ~ 1e-5, above the 1e-6 threshold.
		T := FromEuler(r3.Vector{}, Euler{Roll: 0.2, Pitch: math.Pi/2 - 1e-5, Yaw: 0.3})
		assert.False(t, T.IsGimbalLocked())
		got := T.Euler()
		assert.NotZero(t, got.Yaw)
		back := FromEuler(r3.Vector{}, got)
		assert.True(t, back.AlmostEqual(T, 1e-9))
	})

	t.Run("pi/2 - 1e-8 falls inside threshold", func(t *testing.T) {
		T := FromEuler(r3.Vector{}, Euler{Roll: 0.2, Pitch: math.Pi/2 - 1e-8, Yaw: 0.3})
		assert.True(t, T.IsGimbalLocked())
		assert.Equal(t, 0.0, T.Euler().Yaw)
	})

	t.Run("exact pi/2 uses fallback and yaw is zero", func(t *testing.T) {
		T := FromEuler(r3.Vector{}, Euler{Roll: 0.25, Pitch: math.Pi / 2, Yaw: 0.4})
		require.True(t, T.IsGimbalLocked())
		got := T.Euler()
		assert.Equal(t, 0.0, got.Yaw)
		assert.InDelta(t, math.Pi/2, got.Pitch, 1e-9)
		// The lossy branch still describes the same rotation.
		back := FromEuler(r3.Vector{}, got)
		assert.True(t, back.AlmostEqual(T, 1e-9))
	})
}

func TestQuaternionEuler(t *testing.T) {
	e := Euler{Roll: 0.3, Pitch: -0.2, Yaw: 1.1}
	q := QuaternionFromEuler(e)
	got, err := q.Euler()
	require.NoError(t, err)
	assert.InDelta(t, e.Roll, got.Roll, 1e-12)
	assert.InDelta(t, e.Pitch, got.Pitch, 1e-12)
	assert.InDelta(t, e.Yaw, got.Yaw, 1e-12)

	_, err = Quaternion{}.Euler()
	assert.ErrorIs(t, err, ErrInvalidRotation)
}

func TestInverseAndMul(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		T := randomTransform(rng)
		assert.True(t, T.Mul(T.Inverse()).AlmostEqual(Identity(), 1e-12))
		p := r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		q := T.Inverse().Apply(T.Apply(p))
		assert.InDelta(t, p.X, q.X, 1e-12)
		assert.InDelta(t, p.Y, q.Y, 1e-12)
		assert.InDelta(t, p.Z, q.Z, 1e-12)
	}
}

func TestRotationBetween(t *testing.T) {
	from := r3.Vector{Z: 1}
	to := r3.Vector{Y: -math.Sin(0.1), Z: math.Cos(0.1)}
	q, err := RotationBetween(from, to)
	require.NoError(t, err)
	T, err := FromTranslationQuaternion(r3.Vector{}, q)
	require.NoError(t, err)
	got := T.Rotate(from)
	assert.InDelta(t, to.X, got.X, 1e-12)
	assert.InDelta(t, to.Y, got.Y, 1e-12)
	assert.InDelta(t, to.Z, got.Z, 1e-12)
	assert.InDelta(t, 0.1, T.RotationAngle(), 1e-12)

	q, err = RotationBetween(from, from.Mul(3))
	require.NoError(t, err)
	assert.Equal(t, IdentityQuaternion(), q)

	_, err = RotationBetween(from, from.Mul(-1))
	assert.ErrorIs(t, err, ErrInvalidRotation)

	_, err = RotationBetween(r3.Vector{}, from)
	assert.ErrorIs(t, err, ErrInvalidRotation)
}

func TestIsRigid(t *testing.T) {
	scaled := Identity()
	scaled[0] = 2
	assert.False(t, scaled.IsRigid(1e-6))

	reflection := Identity()
	reflection[0] = -1
	assert.False(t, reflection.IsRigid(1e-6))

	badRow := Identity()
	badRow[12] = 1
	assert.False(t, badRow.IsRigid(1e-6))
}

func TestAlmostEqual(t *testing.T) {
	a := FromEuler(r3.Vector{X: 1, Y: 2, Z: 3}, Euler{Yaw: 0.3})
	b := a
	b[3] += 1e-7
	assert.True(t, a.AlmostEqual(b, 1e-6))
	assert.False(t, a.AlmostEqual(b, 1e-8))
	assert.True(t, a.AlmostEqual(a, 0))
}
