package model

// Feed is the name of a top level key of a live timing message
type Feed string

const (
	FeedHeartbeat           Feed = "Heartbeat"
	FeedSessionInfo         Feed = "SessionInfo"
	FeedSessionData         Feed = "SessionData"
	FeedTrackStatus         Feed = "TrackStatus"
	FeedLapCount            Feed = "LapCount"
	FeedExtrapolatedClock   Feed = "ExtrapolatedClock"
	FeedWeatherData         Feed = "WeatherData"
	FeedDriverList          Feed = "DriverList"
	FeedRaceControlMessages Feed = "RaceControlMessages"
	FeedTimingData          Feed = "TimingData"
	FeedTimingAppData       Feed = "TimingAppData"
	FeedTimingStats         Feed = "TimingStats"
	FeedCarData             Feed = "CarData"
	FeedPosition            Feed = "Position"
	FeedTeamRadio           Feed = "TeamRadio"
	FeedTopThree            Feed = "TopThree"
)

// CompressedSuffix marks feeds whose value is a base64 encoded raw deflate stream
// of the actual JSON value (e.g. "CarData.z").
const CompressedSuffix = ".z"

func (f Feed) String() string { return string(f) }
