package protocol

// Command verbs understood by the measurement server.
const (
	VerbConnect      = "CONNECT"
	VerbDisconnect   = "DISCONNECT"
	VerbMeasure      = "MEASURE"
	VerbInteg        = "INTEG"
	VerbBacklightOn  = "BACKLIGHTON"
	VerbBacklightOff = "BACKLIGHTOFF"
	VerbExit         = "EXIT"
)

// IntegAuto is the INTEG argument selecting automatic integration time.
const IntegAuto = "AUTO"

// Command is a single outbound request line.
type Command struct {
	Verb string
	Arg  string
}

// String renders the command as it goes on the wire, without terminator.
func (c Command) String() string {
	if c.Arg == "" {
		return c.Verb
	}
	return c.Verb + " " + c.Arg
}

func Connect() Command    { return Command{Verb: VerbConnect} }
func Disconnect() Command { return Command{Verb: VerbDisconnect} }
func Measure() Command    { return Command{Verb: VerbMeasure} }
func Exit() Command       { return Command{Verb: VerbExit} }

// Integ builds "INTEG <arg>"; arg is either IntegAuto or a seconds value.
func Integ(arg string) Command { return Command{Verb: VerbInteg, Arg: arg} }

// Backlight builds BACKLIGHTON or BACKLIGHTOFF.
func Backlight(on bool) Command {
	if on {
		return Command{Verb: VerbBacklightOn}
	}
	return Command{Verb: VerbBacklightOff}
}
