package domain

// PoliteFor reports whether the local side is the polite peer toward remote.
//
// Participant ids are canonical lowercase uuid strings assigned by the relay;
// they are compared byte-wise, which is a total order over distinct ids. The
// larger id is polite, the smaller one impolite. Both sides evaluate the same
// comparison, so exactly one of PoliteFor(a, b) and PoliteFor(b, a) is true.
func PoliteFor(local, remote ParticipantID) (bool, error) {
	if local == remote {
		return false, ErrSameParticipant
	}
	return string(local) > string(remote), nil
}
