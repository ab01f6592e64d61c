// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package azure implements cloud.Backend on Azure Resource Manager.
//
// # Description
//
// Resource groups, storage accounts and file shares are managed through
// the ARM clients; the server config file is written with the Azure Files
// data-plane client using the account key; the container group runs the
// v2fly image with the share mounted read-only.
//
// Observed properties use the same keys as cloud.DesiredState so drift
// comparison is a plain map compare. The config digest travels as file
// metadata and as a container group tag.
package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerinstance/armcontainerinstance/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azfile/file"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/cloud"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/settings"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

const (
	// digestMetadataKey holds the payload sha256 on the config file.
	digestMetadataKey = "azraysha256"

	// configTag holds the server config sha256 on the container group.
	configTag = "azray-config-sha256"

	volumeName   = "v2ray-config"
	shareQuotaGB = 1
)

// Backend talks to Azure.
//
// # Thread Safety
//
// Safe for concurrent use. The SDK clients are; the key cache is
// guarded by mu.
type Backend struct {
	subscriptionID string
	groups         *armresources.ResourceGroupsClient
	accounts       *armstorage.AccountsClient
	shares         *armstorage.FileSharesClient
	containers     *armcontainerinstance.ContainerGroupsClient
	logger         *slog.Logger

	mu   sync.Mutex
	keys map[string]string
}

// New authenticates with the service principal in s and builds the ARM
// clients.
//
// # Description
//
// When s.SubscriptionID is empty the first enabled subscription visible
// to the principal is used.
//
// # Outputs
//
//   - *Backend: ready to use
//   - string: the subscription id in use
//   - error: *util.AuthorizationError when credentials are rejected,
//     *util.ProvisioningError otherwise
func New(ctx context.Context, s *settings.Settings, logger *slog.Logger) (*Backend, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var cred *azidentity.ClientSecretCredential
	err := s.WithClientSecret(func(secret string) error {
		var err error
		cred, err = azidentity.NewClientSecretCredential(s.AzureTenantID, s.AzureClientID, secret, nil)
		return err
	})
	if err != nil {
		return nil, "", &util.AuthorizationError{Op: "create credential", Resource: "tenant " + s.AzureTenantID, Err: err}
	}

	subscriptionID := s.SubscriptionID
	if subscriptionID == "" {
		subscriptionID, err = DiscoverSubscription(ctx, cred)
		if err != nil {
			return nil, "", err
		}
		logger.Info("discovered subscription", "subscription_id", subscriptionID)
	}

	b := &Backend{
		subscriptionID: subscriptionID,
		logger:         logger.With("component", "azure"),
		keys:           make(map[string]string),
	}
	if b.groups, err = armresources.NewResourceGroupsClient(subscriptionID, cred, nil); err != nil {
		return nil, "", fmt.Errorf("create resource groups client: %w", err)
	}
	if b.accounts, err = armstorage.NewAccountsClient(subscriptionID, cred, nil); err != nil {
		return nil, "", fmt.Errorf("create storage accounts client: %w", err)
	}
	if b.shares, err = armstorage.NewFileSharesClient(subscriptionID, cred, nil); err != nil {
		return nil, "", fmt.Errorf("create file shares client: %w", err)
	}
	if b.containers, err = armcontainerinstance.NewContainerGroupsClient(subscriptionID, cred, nil); err != nil {
		return nil, "", fmt.Errorf("create container groups client: %w", err)
	}
	return b, subscriptionID, nil
}

// DiscoverSubscription returns the first enabled subscription.
func DiscoverSubscription(ctx context.Context, cred azcore.TokenCredential) (string, error) {
	ref := cloud.Ref{Kind: "subscription"}
	client, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return "", fmt.Errorf("create subscriptions client: %w", err)
	}
	pager := client.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", classify("list subscriptions", ref, err)
		}
		for _, sub := range page.Value {
			if sub == nil || sub.SubscriptionID == nil {
				continue
			}
			if sub.State != nil && *sub.State == armsubscriptions.SubscriptionStateEnabled {
				return *sub.SubscriptionID, nil
			}
		}
	}
	return "", &util.AuthorizationError{
		Op:       "list subscriptions",
		Resource: "subscriptions",
		Err:      errors.New("no enabled subscription visible to the service principal"),
	}
}

// SubscriptionID returns the subscription in use.
func (b *Backend) SubscriptionID() string {
	return b.subscriptionID
}

// Get implements cloud.Backend.
func (b *Backend) Get(ctx context.Context, ref cloud.Ref) (cloud.Observed, error) {
	switch ref.Kind {
	case cloud.KindResourceGroup:
		return b.getGroup(ctx, ref)
	case cloud.KindStorageAccount:
		return b.getAccount(ctx, ref)
	case cloud.KindFileShare:
		return b.getShare(ctx, ref)
	case cloud.KindConfigFile:
		return b.getFile(ctx, ref)
	case cloud.KindContainerGroup:
		return b.getContainer(ctx, ref)
	}
	return cloud.Observed{}, fmt.Errorf("unsupported resource kind %q", ref.Kind)
}

// Apply implements cloud.Backend.
func (b *Backend) Apply(ctx context.Context, spec cloud.Spec) (cloud.Observed, error) {
	switch spec.Ref.Kind {
	case cloud.KindResourceGroup:
		return b.applyGroup(ctx, spec)
	case cloud.KindStorageAccount:
		return b.applyAccount(ctx, spec)
	case cloud.KindFileShare:
		return b.applyShare(ctx, spec)
	case cloud.KindConfigFile:
		return b.applyFile(ctx, spec)
	case cloud.KindContainerGroup:
		return b.applyContainer(ctx, spec)
	}
	return cloud.Observed{}, fmt.Errorf("unsupported resource kind %q", spec.Ref.Kind)
}

// Delete implements cloud.Backend.
func (b *Backend) Delete(ctx context.Context, ref cloud.Ref) error {
	var err error
	switch ref.Kind {
	case cloud.KindResourceGroup:
		poller, perr := b.groups.BeginDelete(ctx, ref.Name, nil)
		err = perr
		if err == nil {
			_, err = poller.PollUntilDone(ctx, nil)
		}
	case cloud.KindStorageAccount:
		_, err = b.accounts.Delete(ctx, ref.ResourceGroup, ref.Name, nil)
		b.forgetKey(ref.Name)
	case cloud.KindFileShare:
		_, err = b.shares.Delete(ctx, ref.ResourceGroup, ref.Parent, ref.Name, nil)
	case cloud.KindConfigFile:
		var client *file.Client
		client, err = b.fileClient(ctx, ref)
		if err == nil {
			_, err = client.Delete(ctx, nil)
		}
	case cloud.KindContainerGroup:
		poller, perr := b.containers.BeginDelete(ctx, ref.ResourceGroup, ref.Name, nil)
		err = perr
		if err == nil {
			_, err = poller.PollUntilDone(ctx, nil)
		}
	default:
		return fmt.Errorf("unsupported resource kind %q", ref.Kind)
	}
	return classify("delete "+string(ref.Kind), ref, err)
}

// =============================================================================
// Resource group
// =============================================================================

func (b *Backend) getGroup(ctx context.Context, ref cloud.Ref) (cloud.Observed, error) {
	resp, err := b.groups.Get(ctx, ref.Name, nil)
	if err != nil {
		return cloud.Observed{}, classify("get "+string(ref.Kind), ref, err)
	}
	return observeGroup(ref, resp.ResourceGroup), nil
}

func (b *Backend) applyGroup(ctx context.Context, spec cloud.Spec) (cloud.Observed, error) {
	resp, err := b.groups.CreateOrUpdate(ctx, spec.Ref.Name, armresources.ResourceGroup{
		Location: to.Ptr(spec.Location),
	}, nil)
	if err != nil {
		return cloud.Observed{}, classify("apply "+string(spec.Ref.Kind), spec.Ref, err)
	}
	return observeGroup(spec.Ref, resp.ResourceGroup), nil
}

func observeGroup(ref cloud.Ref, rg armresources.ResourceGroup) cloud.Observed {
	healthy := true
	if rg.Properties != nil && rg.Properties.ProvisioningState != nil {
		healthy = *rg.Properties.ProvisioningState == "Succeeded"
	}
	return cloud.Observed{
		Ref:        ref,
		Properties: map[string]string{cloud.PropLocation: settings.NormalizeLocation(deref(rg.Location))},
		Healthy:    healthy,
	}
}

// =============================================================================
// Storage account
// =============================================================================

func (b *Backend) getAccount(ctx context.Context, ref cloud.Ref) (cloud.Observed, error) {
	resp, err := b.accounts.GetProperties(ctx, ref.ResourceGroup, ref.Name, nil)
	if err != nil {
		return cloud.Observed{}, classify("get "+string(ref.Kind), ref, err)
	}
	return observeAccount(ref, resp.Account), nil
}

func (b *Backend) applyAccount(ctx context.Context, spec cloud.Spec) (cloud.Observed, error) {
	ref := spec.Ref
	poller, err := b.accounts.BeginCreate(ctx, ref.ResourceGroup, ref.Name, armstorage.AccountCreateParameters{
		Kind:     to.Ptr(armstorage.KindStorageV2),
		Location: to.Ptr(spec.Location),
		SKU:      &armstorage.SKU{Name: to.Ptr(armstorage.SKUName(spec.Properties[cloud.PropSKU]))},
		Properties: &armstorage.AccountPropertiesCreateParameters{
			MinimumTLSVersion: to.Ptr(armstorage.MinimumTLSVersionTLS12),
		},
	}, nil)
	if err != nil {
		return cloud.Observed{}, classify("apply "+string(ref.Kind), ref, err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return cloud.Observed{}, classify("apply "+string(ref.Kind), ref, err)
	}
	b.forgetKey(ref.Name)
	return observeAccount(ref, resp.Account), nil
}

func observeAccount(ref cloud.Ref, acct armstorage.Account) cloud.Observed {
	props := map[string]string{cloud.PropLocation: settings.NormalizeLocation(deref(acct.Location))}
	if acct.SKU != nil && acct.SKU.Name != nil {
		props[cloud.PropSKU] = string(*acct.SKU.Name)
	}
	healthy := acct.Properties != nil &&
		acct.Properties.ProvisioningState != nil &&
		*acct.Properties.ProvisioningState == armstorage.ProvisioningStateSucceeded
	return cloud.Observed{Ref: ref, Properties: props, Healthy: healthy}
}

// accountKey returns the first key of the storage account, cached.
func (b *Backend) accountKey(ctx context.Context, resourceGroup, account string) (string, error) {
	b.mu.Lock()
	key, ok := b.keys[account]
	b.mu.Unlock()
	if ok {
		return key, nil
	}

	ref := cloud.Ref{Kind: cloud.KindStorageAccount, ResourceGroup: resourceGroup, Name: account}
	resp, err := b.accounts.ListKeys(ctx, resourceGroup, account, nil)
	if err != nil {
		return "", classify("list keys", ref, err)
	}
	for _, k := range resp.Keys {
		if k != nil && k.Value != nil && *k.Value != "" {
			b.mu.Lock()
			b.keys[account] = *k.Value
			b.mu.Unlock()
			return *k.Value, nil
		}
	}
	return "", &util.ProvisioningError{Op: "list keys", Resource: ref.String(), Retryable: true, Err: errors.New("storage account returned no keys")}
}

func (b *Backend) forgetKey(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, account)
}

// =============================================================================
// File share
// =============================================================================

func (b *Backend) getShare(ctx context.Context, ref cloud.Ref) (cloud.Observed, error) {
	resp, err := b.shares.Get(ctx, ref.ResourceGroup, ref.Parent, ref.Name, nil)
	if err != nil {
		return cloud.Observed{}, classify("get "+string(ref.Kind), ref, err)
	}
	return observeShare(ref, resp.FileShare), nil
}

func (b *Backend) applyShare(ctx context.Context, spec cloud.Spec) (cloud.Observed, error) {
	ref := spec.Ref
	share := armstorage.FileShare{
		FileShareProperties: &armstorage.FileShareProperties{ShareQuota: to.Ptr[int32](shareQuotaGB)},
	}
	resp, err := b.shares.Create(ctx, ref.ResourceGroup, ref.Parent, ref.Name, share, nil)
	if err == nil {
		return observeShare(ref, resp.FileShare), nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != 409 {
		return cloud.Observed{}, classify("apply "+string(ref.Kind), ref, err)
	}
	// Exists with other properties.
	upd, err := b.shares.Update(ctx, ref.ResourceGroup, ref.Parent, ref.Name, share, nil)
	if err != nil {
		return cloud.Observed{}, classify("apply "+string(ref.Kind), ref, err)
	}
	return observeShare(ref, upd.FileShare), nil
}

func observeShare(ref cloud.Ref, share armstorage.FileShare) cloud.Observed {
	props := map[string]string{}
	if share.FileShareProperties != nil && share.FileShareProperties.ShareQuota != nil {
		props[cloud.PropQuotaGiB] = strconv.Itoa(int(*share.FileShareProperties.ShareQuota))
	}
	return cloud.Observed{Ref: ref, Properties: props, Healthy: true}
}

// =============================================================================
// Config file
// =============================================================================

func (b *Backend) fileClient(ctx context.Context, ref cloud.Ref) (*file.Client, error) {
	account, share, ok := strings.Cut(ref.Parent, "/")
	if !ok {
		return nil, fmt.Errorf("config file parent %q is not account/share", ref.Parent)
	}
	key, err := b.accountKey(ctx, ref.ResourceGroup, account)
	if err != nil {
		return nil, err
	}
	cred, err := file.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("shared key credential: %w", err)
	}
	url := fmt.Sprintf("https://%s.file.core.windows.net/%s/%s", account, share, ref.Name)
	return file.NewClientWithSharedKeyCredential(url, cred, nil)
}

func (b *Backend) getFile(ctx context.Context, ref cloud.Ref) (cloud.Observed, error) {
	client, err := b.fileClient(ctx, ref)
	if err != nil {
		return cloud.Observed{}, err
	}
	resp, err := client.GetProperties(ctx, nil)
	if err != nil {
		return cloud.Observed{}, classify("get "+string(ref.Kind), ref, err)
	}
	props := map[string]string{}
	for k, v := range resp.Metadata {
		if strings.EqualFold(k, digestMetadataKey) && v != nil {
			props[cloud.PropSHA256] = *v
		}
	}
	return cloud.Observed{Ref: ref, Properties: props, Healthy: true}, nil
}

func (b *Backend) applyFile(ctx context.Context, spec cloud.Spec) (cloud.Observed, error) {
	ref := spec.Ref
	client, err := b.fileClient(ctx, ref)
	if err != nil {
		return cloud.Observed{}, err
	}
	digest := spec.Properties[cloud.PropSHA256]
	_, err = client.Create(ctx, int64(len(spec.Payload)), &file.CreateOptions{
		Metadata: map[string]*string{digestMetadataKey: to.Ptr(digest)},
	})
	if err != nil {
		return cloud.Observed{}, classify("apply "+string(ref.Kind), ref, err)
	}
	if len(spec.Payload) > 0 {
		if err := client.UploadBuffer(ctx, spec.Payload, nil); err != nil {
			return cloud.Observed{}, classify("apply "+string(ref.Kind), ref, err)
		}
	}
	b.logger.Info("uploaded server config", "file", ref.String(), "bytes", len(spec.Payload))
	return cloud.Observed{
		Ref:        ref,
		Properties: map[string]string{cloud.PropSHA256: digest},
		Healthy:    true,
	}, nil
}

// =============================================================================
// Container group
// =============================================================================

func (b *Backend) getContainer(ctx context.Context, ref cloud.Ref) (cloud.Observed, error) {
	resp, err := b.containers.Get(ctx, ref.ResourceGroup, ref.Name, nil)
	if err != nil {
		return cloud.Observed{}, classify("get "+string(ref.Kind), ref, err)
	}
	return observeContainer(ref, resp.ContainerGroup), nil
}

// applyContainer starts a stopped but otherwise current group, and
// creates or updates it in every other case. An update is followed by a
// restart so the container rereads the mounted config.
func (b *Backend) applyContainer(ctx context.Context, spec cloud.Spec) (cloud.Observed, error) {
	ref := spec.Ref
	op := "apply " + string(ref.Kind)

	current, err := b.getContainer(ctx, ref)
	existed := err == nil
	if err != nil && !errors.Is(err, util.ErrNotFound) {
		return cloud.Observed{}, err
	}

	if existed && len(spec.Drift(current)) == 0 {
		b.logger.Info("starting container group", "group", ref.Name)
		poller, err := b.containers.BeginStart(ctx, ref.ResourceGroup, ref.Name, nil)
		if err != nil {
			return cloud.Observed{}, classify(op, ref, err)
		}
		if _, err := poller.PollUntilDone(ctx, nil); err != nil {
			return cloud.Observed{}, classify(op, ref, err)
		}
		return b.getContainer(ctx, ref)
	}

	group, err := b.containerGroup(ctx, spec)
	if err != nil {
		return cloud.Observed{}, err
	}
	poller, err := b.containers.BeginCreateOrUpdate(ctx, ref.ResourceGroup, ref.Name, group, nil)
	if err != nil {
		return cloud.Observed{}, classify(op, ref, err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return cloud.Observed{}, classify(op, ref, err)
	}

	if existed {
		b.logger.Info("restarting container group", "group", ref.Name)
		restart, err := b.containers.BeginRestart(ctx, ref.ResourceGroup, ref.Name, nil)
		if err != nil {
			return cloud.Observed{}, classify(op, ref, err)
		}
		if _, err := restart.PollUntilDone(ctx, nil); err != nil {
			return cloud.Observed{}, classify(op, ref, err)
		}
		return b.getContainer(ctx, ref)
	}
	return observeContainer(ref, resp.ContainerGroup), nil
}

func (b *Backend) containerGroup(ctx context.Context, spec cloud.Spec) (armcontainerinstance.ContainerGroup, error) {
	c := spec.Container
	if c == nil {
		return armcontainerinstance.ContainerGroup{}, fmt.Errorf("%s: missing container spec", spec.Ref)
	}
	key, err := b.accountKey(ctx, spec.Ref.ResourceGroup, c.StorageAccount)
	if err != nil {
		return armcontainerinstance.ContainerGroup{}, err
	}
	port := to.Ptr(int32(c.Port))
	return armcontainerinstance.ContainerGroup{
		Location: to.Ptr(spec.Location),
		Tags:     map[string]*string{configTag: to.Ptr(spec.Properties[cloud.PropConfigSHA256])},
		Properties: &armcontainerinstance.ContainerGroupPropertiesProperties{
			OSType:        to.Ptr(armcontainerinstance.OperatingSystemTypesLinux),
			RestartPolicy: to.Ptr(armcontainerinstance.ContainerGroupRestartPolicyAlways),
			Containers: []*armcontainerinstance.Container{{
				Name: to.Ptr(c.ContainerName),
				Properties: &armcontainerinstance.ContainerProperties{
					Image:   to.Ptr(c.Image),
					Command: to.SliceOfPtrs(c.Command...),
					Ports: []*armcontainerinstance.ContainerPort{{
						Port:     port,
						Protocol: to.Ptr(armcontainerinstance.ContainerNetworkProtocolTCP),
					}},
					Resources: &armcontainerinstance.ResourceRequirements{
						Requests: &armcontainerinstance.ResourceRequests{
							CPU:        to.Ptr(c.CPU),
							MemoryInGB: to.Ptr(c.MemoryGB),
						},
					},
					VolumeMounts: []*armcontainerinstance.VolumeMount{{
						Name:      to.Ptr(volumeName),
						MountPath: to.Ptr(c.MountPath),
						ReadOnly:  to.Ptr(true),
					}},
				},
			}},
			IPAddress: &armcontainerinstance.IPAddress{
				Type:         to.Ptr(armcontainerinstance.ContainerGroupIPAddressTypePublic),
				DNSNameLabel: to.Ptr(c.DNSLabel),
				Ports: []*armcontainerinstance.Port{{
					Port:     port,
					Protocol: to.Ptr(armcontainerinstance.ContainerGroupNetworkProtocolTCP),
				}},
			},
			Volumes: []*armcontainerinstance.Volume{{
				Name: to.Ptr(volumeName),
				AzureFile: &armcontainerinstance.AzureFileVolume{
					ShareName:          to.Ptr(c.FileShare),
					StorageAccountName: to.Ptr(c.StorageAccount),
					StorageAccountKey:  to.Ptr(key),
					ReadOnly:           to.Ptr(true),
				},
			}},
		},
	}, nil
}

func observeContainer(ref cloud.Ref, group armcontainerinstance.ContainerGroup) cloud.Observed {
	obs := cloud.Observed{
		Ref:        ref,
		Properties: map[string]string{cloud.PropLocation: settings.NormalizeLocation(deref(group.Location))},
	}
	if v, ok := group.Tags[configTag]; ok && v != nil {
		obs.Properties[cloud.PropConfigSHA256] = *v
	}
	p := group.Properties
	if p == nil {
		return obs
	}
	if len(p.Containers) > 0 && p.Containers[0] != nil && p.Containers[0].Properties != nil {
		cp := p.Containers[0].Properties
		obs.Properties[cloud.PropImage] = deref(cp.Image)
		if cp.Resources != nil && cp.Resources.Requests != nil {
			req := cp.Resources.Requests
			if req.CPU != nil {
				obs.Properties[cloud.PropCPU] = strconv.FormatFloat(*req.CPU, 'f', -1, 64)
			}
			if req.MemoryInGB != nil {
				obs.Properties[cloud.PropMemoryGB] = strconv.FormatFloat(*req.MemoryInGB, 'f', -1, 64)
			}
		}
	}
	if ip := p.IPAddress; ip != nil {
		obs.IP = deref(ip.IP)
		obs.FQDN = deref(ip.Fqdn)
		obs.Properties[cloud.PropDNSLabel] = deref(ip.DNSNameLabel)
		if len(ip.Ports) > 0 && ip.Ports[0] != nil && ip.Ports[0].Port != nil {
			obs.Properties[cloud.PropPort] = strconv.Itoa(int(*ip.Ports[0].Port))
		}
	}
	state := ""
	if p.InstanceView != nil {
		state = deref(p.InstanceView.State)
	}
	obs.Healthy = state == "Running"
	return obs
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

var _ cloud.Backend = (*Backend)(nil)
