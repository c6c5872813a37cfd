package negotiator

// then runs ok or catch depending on *err once the function returns. Defer
// it before err2.Handle so it sees the handled error.
func then(err *error, ok func(), catch func()) {
	switch {
	case *err == nil && ok != nil:
		ok()
	case *err != nil && catch != nil:
		catch()
	}
}
