package spam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

type Action string

const (
	ActionNoAction       Action = "no action"
	ActionAddHeader      Action = "add header"
	ActionRewriteSubject Action = "rewrite subject"
	ActionGreylist       Action = "greylist"
	ActionSoftReject     Action = "soft reject"
	ActionReject         Action = "reject"
)

type Service interface {

	// CheckConnection scores the connecting peer before any message is seen.
	CheckConnection(ctx context.Context, ip net.IP, helo string) (v ConnVerdict, err error)

	// CheckMessage scores the complete message.
	CheckMessage(ctx context.Context, req Request) (v Verdict, err error)
}

type ConnVerdict struct {
	Allowed bool
	Score   float64
	Reason  string
}

type Request struct {
	From    string
	To      []string
	Subject string
	Body    []byte
	Ip      net.IP
	Helo    string
}

type Verdict struct {
	Action        Action
	Score         float64
	RequiredScore float64
	Symbols       []string
}

type checkResponse struct {
	Action        Action                 `json:"action"`
	Score         float64                `json:"score"`
	RequiredScore float64                `json:"required_score"`
	Symbols       map[string]symbolScore `json:"symbols"`
}

type symbolScore struct {
	Score float64 `json:"score"`
}

type service struct {
	uri      string
	password string
	client   *http.Client
	timeout  time.Duration
}

const pathCheck = "/checkv2"

var ErrUnavailable = errors.New("content reputation service unavailable")

func NewService(uri, password string, timeout time.Duration) Service {
	return service{
		uri:      strings.TrimSuffix(uri, "/"),
		password: password,
		client:   &http.Client{},
		timeout:  timeout,
	}
}

func (svc service) CheckConnection(ctx context.Context, ip net.IP, helo string) (v ConnVerdict, err error) {
	var resp checkResponse
	resp, err = svc.check(ctx, Request{Ip: ip, Helo: helo})
	if err == nil {
		v.Score = resp.Score
		v.Allowed = resp.Action != ActionReject
		if !v.Allowed {
			v.Reason = strings.Join(topSymbols(resp.Symbols), ",")
		}
	}
	return
}

func (svc service) CheckMessage(ctx context.Context, req Request) (v Verdict, err error) {
	var resp checkResponse
	resp, err = svc.check(ctx, req)
	if err == nil {
		v.Action = resp.Action
		v.Score = resp.Score
		v.RequiredScore = resp.RequiredScore
		v.Symbols = topSymbols(resp.Symbols)
	}
	return
}

func (svc service) check(ctx context.Context, req Request) (resp checkResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, svc.timeout)
	defer cancel()
	var httpReq *http.Request
	httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, svc.uri+pathCheck, bytes.NewReader(req.Body))
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrUnavailable, err)
		return
	}
	if req.Ip != nil {
		httpReq.Header.Set("IP", req.Ip.String())
	}
	if req.Helo != "" {
		httpReq.Header.Set("Helo", req.Helo)
	}
	if req.From != "" {
		httpReq.Header.Set("From", req.From)
	}
	for _, rcpt := range req.To {
		httpReq.Header.Add("Rcpt", rcpt)
	}
	if req.Subject != "" {
		httpReq.Header.Set("Subject", req.Subject)
	}
	if svc.password != "" {
		httpReq.Header.Set("Password", svc.password)
	}
	var httpResp *http.Response
	httpResp, err = svc.client.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrUnavailable, err)
		return
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		err = fmt.Errorf("%w: response status %d", ErrUnavailable, httpResp.StatusCode)
		return
	}
	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return
}

// topSymbols orders the symbol names by descending score.
func topSymbols(symbols map[string]symbolScore) (names []string) {
	for name := range symbols {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		si, sj := symbols[names[i]].Score, symbols[names[j]].Score
		if si != sj {
			return si > sj
		}
		return names[i] < names[j]
	})
	return
}
