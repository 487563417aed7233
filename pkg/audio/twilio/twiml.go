package twilio

import (
	"encoding/xml"
	"maps"
	"net/http"
	"slices"
)

// ParamCaller is the stream parameter carrying the caller's number.
const ParamCaller = "From"

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Say     *twimlSay    `xml:"Say,omitempty"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// BuildAnswer renders the TwiML document that answers a call: an optional
// spoken greeting followed by a bidirectional media stream to streamURL.
func BuildAnswer(streamURL, greeting, voice string, params map[string]string) ([]byte, error) {
	resp := twimlResponse{
		Connect: twimlConnect{Stream: twimlStream{URL: streamURL}},
	}
	if greeting != "" {
		resp.Say = &twimlSay{Voice: voice, Text: greeting}
	}
	for _, name := range slices.Sorted(maps.Keys(params)) {
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// AnswerHandler implements [audio.Platform]. It answers Twilio's voice
// webhook, forwarding the caller's number to the media stream.
func (p *Platform) AnswerHandler(streamURL string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		params := map[string]string{}
		if from := r.PostForm.Get("From"); from != "" {
			params[ParamCaller] = from
		}

		body, err := BuildAnswer(streamURL, p.greeting, p.greetingVoice, params)
		if err != nil {
			p.log.Error("twilio: render answer", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		p.log.Info("twilio: answering call", "call_sid", r.PostForm.Get("CallSid"), "stream_url", streamURL)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(body)
	})
}
