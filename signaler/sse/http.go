package sse

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type poster struct {
	endpoint *url.URL
	client   *http.Client
}

func newPoster(endpoint *url.URL, timeout time.Duration) *poster {
	return &poster{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *poster) newReq(method string, topic string, body io.Reader) (req *http.Request, err error) {
	if req, err = http.NewRequest(method, p.endpoint.String(), body); err != nil {
		return
	}
	q := req.URL.Query()
	q.Set("t", topic)
	req.URL.RawQuery = q.Encode()
	if u := p.endpoint.User; u != nil {
		pass, _ := u.Password()
		req.SetBasicAuth(u.Username(), pass)
	}
	return
}

func (p *poster) doReq(req *http.Request) (res *http.Response, err error) {
	res, err = p.client.Do(req)
	if err != nil {
		return
	}
	if strings.HasPrefix(res.Status, "2") {
		return
	}
	defer res.Body.Close()
	var errText []byte
	if errText, err = io.ReadAll(res.Body); err != nil {
		return
	}
	err = fmt.Errorf("server err. status: %s. content: %s", res.Status, errText)
	return
}
