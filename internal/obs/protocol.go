package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// Opcodes of the obs-websocket 5.x protocol.
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opEvent           = 5
	opRequest         = 6
	opRequestResponse = 7
)

const (
	rpcVersion  = 1
	subprotocol = "obswebsocket.json"

	// closeAuthFailed is the close code OBS sends after a bad Identify.
	closeAuthFailed = 4009

	statusSuccess = 100
)

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type hello struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type identified struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type request struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type response struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus requestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// authResponse computes the Identify authentication string:
// base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// Version is the GetVersion response.
type Version struct {
	ObsVersion          string `json:"obsVersion"`
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Platform            string `json:"platform"`
}

// Scene is one entry of the GetSceneList response.
type Scene struct {
	SceneName  string `json:"sceneName"`
	SceneIndex int    `json:"sceneIndex"`
}

type sceneList struct {
	CurrentProgramSceneName string  `json:"currentProgramSceneName"`
	Scenes                  []Scene `json:"scenes"`
}

// Input is one entry of the GetInputList response.
type Input struct {
	InputName string `json:"inputName"`
	InputKind string `json:"inputKind"`
}

type inputList struct {
	Inputs []Input `json:"inputs"`
}

type screenshotRequest struct {
	SourceName              string `json:"sourceName"`
	ImageFormat             string `json:"imageFormat"`
	ImageWidth              int    `json:"imageWidth,omitempty"`
	ImageHeight             int    `json:"imageHeight,omitempty"`
	ImageCompressionQuality int    `json:"imageCompressionQuality,omitempty"`
}

type screenshotResponse struct {
	ImageData string `json:"imageData"`
}
