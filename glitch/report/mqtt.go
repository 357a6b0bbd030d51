//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package report

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/campaign"
)

const defaultMQTTTimeout = 5 * time.Second

// MQTTPublisher sends campaign progress to an MQTT broker:
//
//	<prefix>/<run id>/start
//	<prefix>/<run id>/attempt
//	<prefix>/<run id>/result   (retained)
//	<prefix>/last_result       (retained)
//
// Payloads are the journal entries. Publish failures are logged only.
type MQTTPublisher struct {
	cli     mqtt.Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// MQTTOptionsFromURL converts a broker URL to client options. The URL path,
// if any, overrides topicPrefix.
func MQTTOptionsFromURL(us, clientID, topicPrefix string) (*mqtt.ClientOptions, string, error) {
	if !strings.Contains(us, "://") {
		us = "tcp://" + us
	}
	u, err := url.Parse(us)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	if u.Host == "" {
		return nil, "", errors.NotValidf("broker URL %q", us)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("glitch-%d", rand.Int31())
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		topicPrefix = p
	}
	u.Path = ""
	switch u.Scheme {
	case "mqtts", "tcps", "ssl", "tls":
		u.Scheme = "tcps"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 8883)
		}
	case "mqtt", "tcp":
		u.Scheme = "tcp"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 1883)
		}
	default:
		return nil, "", errors.NotSupportedf("broker scheme %q", u.Scheme)
	}
	opts := mqtt.NewClientOptions()
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pass, isset := u.User.Password(); isset {
			opts.SetPassword(pass)
		}
		u.User = nil
	}
	opts.AddBroker(u.String())
	opts.SetClientID(clientID)
	return opts, topicPrefix, nil
}

// DialMQTT connects to the broker.
func DialMQTT(broker, clientID, topicPrefix string) (*MQTTPublisher, error) {
	opts, prefix, err := MQTTOptionsFromURL(broker, clientID, topicPrefix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts.SetConnectTimeout(defaultMQTTTimeout)
	opts.SetAutoReconnect(true)
	glog.V(1).Infof("Connecting %s to %s", opts.ClientID, broker)
	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(defaultMQTTTimeout) {
		cli.Disconnect(0)
		return nil, errors.Errorf("timed out connecting to %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "failed to connect to %s", broker)
	}
	return &MQTTPublisher{
		cli:     cli,
		prefix:  prefix,
		timeout: defaultMQTTTimeout,
		now:     time.Now,
	}, nil
}

func (p *MQTTPublisher) publish(topic string, retained bool, e *Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		glog.Errorf("mqtt: failed to encode %s entry: %s", e.Kind, err)
		return
	}
	glog.V(3).Infof("mqtt: %s <- %s", topic, data)
	token := p.cli.Publish(topic, 1, retained, data)
	if !token.WaitTimeout(p.timeout) {
		glog.Errorf("mqtt: timed out publishing to %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		glog.Errorf("mqtt: failed to publish to %s: %s", topic, err)
	}
}

func (p *MQTTPublisher) runTopic(runID, sub string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, runID, sub)
}

func (p *MQTTPublisher) RunStarted(runID string, space campaign.Bounds, total int) {
	p.publish(p.runTopic(runID, KindStart), false, StartEntry(p.now(), runID, space, total))
}

func (p *MQTTPublisher) AttemptDone(runID string, rec campaign.AttemptRecord) {
	p.publish(p.runTopic(runID, KindAttempt), false, AttemptEntry(p.now(), runID, rec))
}

func (p *MQTTPublisher) RunDone(res *campaign.Result) {
	e := ResultEntry(p.now(), res)
	p.publish(p.runTopic(res.RunID, KindResult), true, e)
	p.publish(p.prefix+"/last_result", true, e)
}

func (p *MQTTPublisher) Close() {
	p.cli.Disconnect(250)
}
