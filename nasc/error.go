package nasc

// ReturnCode is a NASC returncd value. Every outcome the console can act on
// is reported this way inside an HTTP 200 reply.
type ReturnCode struct {
	Code        string
	Description string
	Success     bool
}

func MakeReturnCode(code string, description string, success bool) ReturnCode {
	return ReturnCode{
		Code:        code,
		Description: description,
		Success:     success,
	}
}

var (
	// Generic rejection; consoles show a plain connection error
	ReturnNull = MakeReturnCode("null", "Request rejected.", false)

	ReturnLogin           = MakeReturnCode("001", "Login accepted.", true)
	ReturnServiceLocation = MakeReturnCode("007", "Service located.", true)

	ReturnBanned               = MakeReturnCode("102", "The account or device is banned or unknown.", false)
	ReturnServerNotFound       = MakeReturnCode("110", "No game server is available for this title.", false)
	ReturnUntrustedCertificate = MakeReturnCode("121", "The console certificate is not trusted.", false)

	// Outside Nintendo's range: account registration could not be committed
	ReturnRegistrationFailed = MakeReturnCode("151", "Account registration failed.", false)
)
