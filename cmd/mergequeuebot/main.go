/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/config"
	"github.com/clarketm/mergequeue/construct"
	"github.com/clarketm/mergequeue/forge"
	"github.com/clarketm/mergequeue/git"
	"github.com/clarketm/mergequeue/poller"
	"github.com/clarketm/mergequeue/queuecontroller"
	"github.com/clarketm/mergequeue/router"
	"github.com/clarketm/mergequeue/store"
)

type options struct {
	port int

	configPath string

	dryRun bool

	forgeEndpoint  string
	gitEndpoint    string
	forgeTokenFile string

	webhookSecretFile string
}

func (o *options) Validate() error {
	if _, err := url.Parse(o.forgeEndpoint); err != nil {
		return errors.New("must specify a valid --forge-endpoint URL")
	}
	if _, err := url.Parse(o.gitEndpoint); err != nil {
		return errors.New("must specify a valid --git-endpoint URL")
	}
	return nil
}

func gatherOptions() options {
	o := options{}
	flag.IntVar(&o.port, "port", 8888, "Port to listen on.")

	flag.StringVar(&o.configPath, "config-path", "/etc/config/config.yaml", "Path to config.yaml.")

	flag.BoolVar(&o.dryRun, "dry-run", true, "Dry run for testing. Uses API tokens but does not mutate.")

	flag.StringVar(&o.forgeEndpoint, "forge-endpoint", "https://api.github.com", "The forge's API endpoint.")
	flag.StringVar(&o.gitEndpoint, "git-endpoint", "https://github.com", "The forge's git clone endpoint.")
	flag.StringVar(&o.forgeTokenFile, "forge-token-file", "/etc/forge/oauth", "Path to the file containing the forge OAuth secret.")

	flag.StringVar(&o.webhookSecretFile, "hmac-secret-file", "/etc/webhook/hmac", "Path to the file containing the webhook HMAC secret.")
	flag.Parse()
	return o
}

func main() {
	o := gatherOptions()
	if err := o.Validate(); err != nil {
		logrus.Fatalf("Invalid options: %v", err)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)
	log := logrus.WithField("component", "mergequeuebot")

	configAgent := &config.Agent{}
	if err := configAgent.Start(o.configPath); err != nil {
		log.WithError(err).Fatal("Error starting config agent.")
	}

	// Ignore SIGTERM so that we don't drop in-flight webhooks when the pod
	// is removed; we'll get SIGTERM first and then SIGKILL after our
	// graceful termination deadline.
	signal.Ignore(syscall.SIGTERM)

	webhookSecretRaw, err := ioutil.ReadFile(o.webhookSecretFile)
	if err != nil {
		log.WithError(err).Fatal("Could not read webhook secret file.")
	}
	webhookSecret := bytes.TrimSpace(webhookSecretRaw)

	oauthSecretRaw, err := ioutil.ReadFile(o.forgeTokenFile)
	if err != nil {
		log.WithError(err).Fatal("Could not read forge token secret file.")
	}
	oauthSecret := string(bytes.TrimSpace(oauthSecretRaw))

	var forgeClient *forge.Client
	if o.dryRun || configAgent.Config().MergeQueue.DryRun {
		forgeClient = forge.NewDryRunClient(oauthSecret, o.forgeEndpoint)
	} else {
		forgeClient = forge.NewClient(oauthSecret, o.forgeEndpoint)
	}

	gitClient, err := git.NewClient(o.gitEndpoint, func() string { return oauthSecret })
	if err != nil {
		log.WithError(err).Fatal("Error creating git client.")
	}
	defer gitClient.Clean()

	constructor := construct.NewConstructor(construct.NewGitClient(gitClient))

	st := store.NewMemory()

	controller, err := queuecontroller.NewController(st, forgeClient, constructor, configAgent)
	if err != nil {
		log.WithError(err).Fatal("Error creating queue controller.")
	}

	p := poller.NewPoller(controller, configAgent.Config().MergeQueue.PollPeriod)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	webhookServer := &router.Server{
		Controller:  controller,
		ConfigAgent: configAgent,
		HMACSecret:  webhookSecret,
	}

	health := http.NewServeMux()
	health.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	health.HandleFunc("/pool", func(w http.ResponseWriter, r *http.Request) {
		owner, repo := r.URL.Query().Get("owner"), r.URL.Query().Get("repo")
		if owner == "" || repo == "" {
			http.Error(w, "400 Bad Request: must specify owner and repo", http.StatusBadRequest)
			return
		}
		prs, attempts, err := controller.Snapshot(r.Context(), owner, repo)
		if err != nil {
			http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			PullRequests  interface{} `json:"pull_requests"`
			MergeAttempts interface{} `json:"merge_attempts"`
		}{prs, attempts})
	})
	health.Handle("/metrics", promhttp.Handler())
	health.Handle("/webhook", webhookServer)

	log.WithField("port", o.port).Info("Listening.")
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", o.port), health))
}
